package booking

// DeriveStatus computes the slot flag from its confirmed count.
func DeriveStatus(confirmed, max int) SlotStatus {
	if confirmed >= max {
		return SlotFull
	}
	return SlotAvailable
}
