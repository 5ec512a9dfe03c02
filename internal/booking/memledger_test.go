package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/patient"
)

// memStore is an in-memory SlotLedger backing store. It emulates the
// Postgres behaviour the service relies on: per-slot row locks with a
// timeout, transactional rollback, and the two unique constraints on
// appointments.
type memStore struct {
	mu          sync.Mutex
	slots       map[uuid.UUID]*memSlot
	appts       map[uuid.UUID]*Appointment
	patients    map[uuid.UUID]*patient.Patient
	events      []EventLog
	locks       map[uuid.UUID]chan struct{}
	lockTimeout time.Duration
	seq         time.Time

	// hook runs at the start of every ledger call, outside mu.
	hook func(op string)
	// faults makes the named write fail, as a lock_timeout expiry would.
	faults map[string]error
}

type memSlot struct {
	slot      ScheduleSlot
	doctor    string
	specialty string
}

func newMemStore() *memStore {
	return &memStore{
		slots:       make(map[uuid.UUID]*memSlot),
		appts:       make(map[uuid.UUID]*Appointment),
		patients:    make(map[uuid.UUID]*patient.Patient),
		locks:       make(map[uuid.UUID]chan struct{}),
		faults:      make(map[string]error),
		lockTimeout: 2 * time.Second,
		seq:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) ledger() *memLedger {
	return &memLedger{store: m}
}

func (m *memStore) addSlot(max int, date time.Time, label string) ScheduleSlot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ScheduleSlot{
		ID:              uuid.New(),
		DoctorID:        uuid.New(),
		Slot:            label,
		Date:            date,
		MaxAppointments: max,
		Status:          SlotAvailable,
	}
	m.slots[s.ID] = &memSlot{slot: s, doctor: "Dr. Chen", specialty: "Cardiology"}
	m.locks[s.ID] = make(chan struct{}, 1)
	return s
}

func (m *memStore) addPatient(idNumber string, birth time.Time) *patient.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &patient.Patient{ID: uuid.New(), IDNumber: idNumber, BirthDate: patient.DateOnly(birth), Name: "Patient " + idNumber}
	m.patients[p.ID] = p
	return p
}

func (m *memStore) slotStatus(id uuid.UUID) SlotStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id].slot.Status
}

// forceSlotStatus writes the cached flag directly, as a stale write would.
func (m *memStore) forceSlotStatus(id uuid.UUID, status SlotStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[id].slot.Status = status
}

func (m *memStore) appointmentsFor(scheduleID uuid.UUID) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appts {
		if a.ScheduleID == scheduleID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsultationNumber < out[j].ConsultationNumber })
	return out
}

func (m *memStore) confirmedFor(scheduleID uuid.UUID) int {
	n := 0
	for _, a := range m.appointmentsFor(scheduleID) {
		if a.Status == StatusConfirmed {
			n++
		}
	}
	return n
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memStore) countLocked(scheduleID uuid.UUID) int {
	n := 0
	for _, a := range m.appts {
		if a.ScheduleID == scheduleID && a.Status == StatusConfirmed {
			n++
		}
	}
	return n
}

// FindPatient makes memStore the IdentityVerifier too.
func (m *memStore) FindPatient(_ context.Context, idNumber string, birthDate time.Time) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.patients {
		if p.IDNumber == idNumber && p.BirthDate.Equal(patient.DateOnly(birthDate)) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, patient.ErrPatientNotFound
}

// Register makes memStore the first-visit Registrar.
func (m *memStore) Register(_ context.Context, reg patient.Registration) (*patient.Patient, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.patients {
		if p.IDNumber == reg.IDNumber {
			return nil, patient.ErrDuplicateIDNumber
		}
	}
	p := &patient.Patient{
		ID:        uuid.New(),
		IDNumber:  reg.IDNumber,
		BirthDate: patient.DateOnly(reg.BirthDate),
		Name:      reg.Name,
		Email:     reg.Email,
		Phone:     reg.Phone,
	}
	m.patients[p.ID] = p
	cp := *p
	return &cp, nil
}

type memTx struct {
	undo []func()
	held []uuid.UUID
}

type memLedger struct {
	store *memStore
	tx    *memTx
}

func (l *memLedger) enter(op string) {
	if l.store.hook != nil {
		l.store.hook(op)
	}
}

func (l *memLedger) fault(op string) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.faults[op]
}

func (l *memLedger) record(fn func()) {
	if l.tx != nil {
		l.tx.undo = append(l.tx.undo, fn)
	}
}

func (l *memLedger) WithTx(ctx context.Context, fn func(tx SlotLedger) error) error {
	if l.tx != nil {
		return fn(l)
	}

	tx := &memTx{}
	err := fn(&memLedger{store: l.store, tx: tx})
	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		l.store.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		l.store.mu.Unlock()
	}

	for _, id := range tx.held {
		<-l.store.locks[id]
	}
	return err
}

func (l *memLedger) GetSlotWithCount(_ context.Context, id uuid.UUID) (*SlotCount, error) {
	l.enter("GetSlotWithCount")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	ms, ok := l.store.slots[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return &SlotCount{
		Slot:            ms.slot,
		DoctorName:      ms.doctor,
		DoctorSpecialty: ms.specialty,
		Confirmed:       l.store.countLocked(id),
	}, nil
}

func (l *memLedger) LockSlotForUpdate(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	l.enter("LockSlotForUpdate")
	if l.tx == nil {
		panic("LockSlotForUpdate outside transaction")
	}

	l.store.mu.Lock()
	ch, ok := l.store.locks[id]
	l.store.mu.Unlock()
	if !ok {
		return nil, ErrScheduleNotFound
	}

	held := false
	for _, h := range l.tx.held {
		if h == id {
			held = true
		}
	}
	if !held {
		timer := time.NewTimer(l.store.lockTimeout)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
			l.tx.held = append(l.tx.held, id)
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	s := l.store.slots[id].slot
	return &s, nil
}

func (l *memLedger) CountConfirmed(_ context.Context, scheduleID uuid.UUID) (int, error) {
	l.enter("CountConfirmed")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return l.store.countLocked(scheduleID), nil
}

func (l *memLedger) HasConfirmedAppointment(_ context.Context, patientID, scheduleID uuid.UUID) (bool, error) {
	l.enter("HasConfirmedAppointment")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	for _, a := range l.store.appts {
		if a.PatientID == patientID && a.ScheduleID == scheduleID && a.Status == StatusConfirmed {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) MaxConsultationNumber(_ context.Context, scheduleID uuid.UUID) (int, error) {
	l.enter("MaxConsultationNumber")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	max := 0
	for _, a := range l.store.appts {
		if a.ScheduleID == scheduleID && a.ConsultationNumber > max {
			max = a.ConsultationNumber
		}
	}
	return max, nil
}

func (l *memLedger) InsertAppointment(_ context.Context, patientID, scheduleID uuid.UUID, number int) (*Appointment, error) {
	l.enter("InsertAppointment")
	if err := l.fault("InsertAppointment"); err != nil {
		return nil, err
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	for _, a := range l.store.appts {
		if a.ScheduleID != scheduleID {
			continue
		}
		if a.ConsultationNumber == number {
			return nil, errNumberTaken
		}
		if a.PatientID == patientID && a.Status == StatusConfirmed {
			return nil, ErrAlreadyBooked
		}
	}

	l.store.seq = l.store.seq.Add(time.Second)
	a := &Appointment{
		ID:                 uuid.New(),
		PatientID:          patientID,
		ScheduleID:         scheduleID,
		Status:             StatusConfirmed,
		ConsultationNumber: number,
		CreatedAt:          l.store.seq,
		UpdatedAt:          l.store.seq,
	}
	l.store.appts[a.ID] = a
	l.record(func() { delete(l.store.appts, a.ID) })

	cp := *a
	return &cp, nil
}

func (l *memLedger) SetSlotStatus(_ context.Context, id uuid.UUID, status SlotStatus) error {
	l.enter("SetSlotStatus")
	if err := l.fault("SetSlotStatus"); err != nil {
		return err
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	ms, ok := l.store.slots[id]
	if !ok {
		return ErrScheduleNotFound
	}
	prev := ms.slot.Status
	ms.slot.Status = status
	l.record(func() { ms.slot.Status = prev })
	return nil
}

func (l *memLedger) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	l.enter("GetAppointment")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	a, ok := l.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (l *memLedger) CancelAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	l.enter("CancelAppointment")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	a, ok := l.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != StatusConfirmed {
		return nil, ErrAlreadyCanceled
	}
	a.Status = StatusCanceled
	l.record(func() { a.Status = StatusConfirmed })

	cp := *a
	return &cp, nil
}

func (l *memLedger) detailLocked(a *Appointment) AppointmentDetail {
	ms := l.store.slots[a.ScheduleID]
	p := l.store.patients[a.PatientID]
	return AppointmentDetail{
		Appointment:      *a,
		Slot:             ms.slot,
		DoctorName:       ms.doctor,
		DoctorSpecialty:  ms.specialty,
		PatientIDNumber:  p.IDNumber,
		PatientBirthDate: p.BirthDate,
	}
}

func (l *memLedger) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	l.enter("GetAppointmentDetail")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	a, ok := l.store.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	d := l.detailLocked(a)
	return &d, nil
}

func (l *memLedger) ListAppointmentDetailsByPatient(_ context.Context, patientID uuid.UUID, q PatientAppointmentsQuery) ([]AppointmentDetail, error) {
	l.enter("ListAppointmentDetailsByPatient")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	today := patient.DateOnly(q.Today)
	var out []AppointmentDetail
	for _, a := range l.store.appts {
		if a.PatientID != patientID {
			continue
		}
		d := l.detailLocked(a)
		if d.Slot.Date.Before(today) == q.Past {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		before := out[i].Slot.Date.Before(out[j].Slot.Date) ||
			(out[i].Slot.Date.Equal(out[j].Slot.Date) && out[i].CreatedAt.Before(out[j].CreatedAt))
		if q.Past {
			return !before
		}
		return before
	})

	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *memLedger) ListScheduleIDsFrom(_ context.Context, from time.Time) ([]uuid.UUID, error) {
	l.enter("ListScheduleIDsFrom")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	var ids []uuid.UUID
	for id, ms := range l.store.slots {
		if !ms.slot.Date.Before(patient.DateOnly(from)) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (l *memLedger) InsertEvent(_ context.Context, ev EventLog) error {
	l.enter("InsertEvent")
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	ev.ID = int64(len(l.store.events) + 1)
	l.store.events = append(l.store.events, ev)
	return nil
}
