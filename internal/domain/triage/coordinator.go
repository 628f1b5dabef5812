package triage

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sintonia/sintonia/internal/platform/notification"
)

// DefaultCapacity is the number of active patients a clinician may hold.
const DefaultCapacity = 8

// AssignmentCoordinator enforces clinician capacity while moving patients
// out of the queue.
//
// Locks are always taken in the order clinicians (sorted by id), patient,
// queue, so concurrent coordinators cannot deadlock each other.
type AssignmentCoordinator struct {
	uow        *unitOfWork
	queue      *AssignmentQueue
	patients   PatientRepository
	clinicians ClinicianRepository
	capacity   int
	logger     zerolog.Logger
}

// CapacityOf returns how many active patients the clinician currently holds.
func (c *AssignmentCoordinator) CapacityOf(ctx context.Context, clinicianID uuid.UUID) (int, error) {
	n, err := c.patients.CountActiveByClinician(ctx, clinicianID)
	if err != nil {
		return 0, fmt.Errorf("count assignments: %w", err)
	}
	return n, nil
}

// CanAccept reports whether the clinician has a free slot.
func (c *AssignmentCoordinator) CanAccept(ctx context.Context, clinicianID uuid.UUID) (bool, error) {
	n, err := c.CapacityOf(ctx, clinicianID)
	if err != nil {
		return false, err
	}
	return n < c.capacity, nil
}

// AssignOne assigns a specific patient. It fails with ErrConflict when the
// clinician is full or the patient is inactive or already assigned.
func (c *AssignmentCoordinator) AssignOne(ctx context.Context, patientID, clinicianID uuid.UUID) error {
	return c.uow.run(ctx, func(ctx context.Context) error {
		if err := c.uow.tx.Lock(ctx, clinicianLockKey(clinicianID)); err != nil {
			return err
		}
		if err := c.uow.tx.Lock(ctx, patientLockKey(patientID)); err != nil {
			return err
		}
		if _, err := c.activeClinician(ctx, clinicianID); err != nil {
			return err
		}
		p, err := c.patients.GetByID(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("patient %s is not active: %w", patientID, ErrConflict)
		}
		if p.AssignedClinicianID != nil {
			return fmt.Errorf("patient %s is already assigned: %w", patientID, ErrConflict)
		}
		if err := c.requireSlot(ctx, clinicianID); err != nil {
			return err
		}
		ok, err := c.patients.Assign(ctx, patientID, clinicianID)
		if err != nil {
			return fmt.Errorf("assign patient: %w", err)
		}
		if !ok {
			return fmt.Errorf("patient %s was assigned concurrently: %w", patientID, ErrConflict)
		}
		c.assigned(ctx, "direct", patientID, clinicianID, p.CurrentPriorityTier)
		return nil
	})
}

// AssignNextFromQueue assigns the head of the queue to the clinician when it
// has a free slot. It returns nil when the clinician is full or the queue is empty.
func (c *AssignmentCoordinator) AssignNextFromQueue(ctx context.Context, clinicianID uuid.UUID) (assigned *uuid.UUID, err error) {
	err = c.uow.run(ctx, func(ctx context.Context) error {
		if err := c.uow.tx.Lock(ctx, clinicianLockKey(clinicianID)); err != nil {
			return err
		}
		if _, err := c.activeClinician(ctx, clinicianID); err != nil {
			return err
		}
		assigned, err = c.assignNext(ctx, clinicianID, "queue")
		return err
	})
	return assigned, err
}

// assignNext requires the clinician lock to be held.
func (c *AssignmentCoordinator) assignNext(ctx context.Context, clinicianID uuid.UUID, source string) (*uuid.UUID, error) {
	ok, err := c.CanAccept(ctx, clinicianID)
	if err != nil || !ok {
		return nil, err
	}
	if err := c.uow.tx.Lock(ctx, queueLockKey); err != nil {
		return nil, err
	}
	entries, err := c.queue.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	// A direct assignment may have claimed the head after the queue was read;
	// the conditional update skips it and the next entry is tried.
	for _, e := range entries {
		ok, err := c.patients.Assign(ctx, e.PatientID, clinicianID)
		if err != nil {
			return nil, fmt.Errorf("assign patient: %w", err)
		}
		if ok {
			id := e.PatientID
			c.assigned(ctx, source, id, clinicianID, e.Tier)
			return &id, nil
		}
	}
	return nil, nil
}

// OnboardClinician fills the clinician from the queue until upTo new patients
// are assigned, capacity is reached or the queue runs out. upTo <= 0 means
// fill to capacity.
func (c *AssignmentCoordinator) OnboardClinician(ctx context.Context, clinicianID uuid.UUID, upTo int) ([]uuid.UUID, error) {
	if upTo <= 0 || upTo > c.capacity {
		upTo = c.capacity
	}
	var ids []uuid.UUID
	err := c.uow.run(ctx, func(ctx context.Context) error {
		ids = nil
		if err := c.uow.tx.Lock(ctx, clinicianLockKey(clinicianID)); err != nil {
			return err
		}
		if _, err := c.activeClinician(ctx, clinicianID); err != nil {
			return err
		}
		for len(ids) < upTo {
			id, err := c.assignNext(ctx, clinicianID, "onboarding")
			if err != nil {
				return err
			}
			if id == nil {
				break
			}
			ids = append(ids, *id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("clinician_id", clinicianID.String()).Int("assigned", len(ids)).Msg("clinician onboarded")
	return ids, nil
}

// TerminateCare ends the patient's care with the clinician. The patient is
// deactivated but keeps the assignment pointer for history; the freed slot
// is backfilled from the queue and the backfilled patient id is returned.
func (c *AssignmentCoordinator) TerminateCare(ctx context.Context, patientID, clinicianID uuid.UUID) (backfilled *uuid.UUID, err error) {
	err = c.uow.run(ctx, func(ctx context.Context) error {
		if err := c.uow.tx.Lock(ctx, clinicianLockKey(clinicianID)); err != nil {
			return err
		}
		if err := c.uow.tx.Lock(ctx, patientLockKey(patientID)); err != nil {
			return err
		}
		if _, err := c.clinicians.GetByID(ctx, clinicianID); err != nil {
			return err
		}
		p, err := c.patients.GetByID(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("patient %s is not active: %w", patientID, ErrConflict)
		}
		if p.AssignedClinicianID == nil || *p.AssignedClinicianID != clinicianID {
			return fmt.Errorf("patient %s is not assigned to clinician %s: %w", patientID, clinicianID, ErrConflict)
		}
		if err := c.patients.Deactivate(ctx, patientID); err != nil {
			return fmt.Errorf("deactivate patient: %w", err)
		}
		c.logger.Info().Str("patient_id", patientID.String()).Str("clinician_id", clinicianID.String()).Msg("care terminated")

		backfilled, err = c.backfill(ctx, clinicianID)
		return err
	})
	return backfilled, err
}

// ReassignPatient moves an active patient to another clinician, bypassing the
// queue. The previous clinician, if any, is backfilled from the queue and the
// backfilled patient id is returned.
func (c *AssignmentCoordinator) ReassignPatient(ctx context.Context, patientID, newClinicianID uuid.UUID) (backfilled *uuid.UUID, err error) {
	before, err := c.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	oldClinicianID := before.AssignedClinicianID

	err = c.uow.run(ctx, func(ctx context.Context) error {
		backfilled = nil
		for _, id := range lockOrder(newClinicianID, oldClinicianID) {
			if err := c.uow.tx.Lock(ctx, clinicianLockKey(id)); err != nil {
				return err
			}
		}
		if err := c.uow.tx.Lock(ctx, patientLockKey(patientID)); err != nil {
			return err
		}

		p, err := c.patients.GetByID(ctx, patientID)
		if err != nil {
			return err
		}
		if !sameClinician(p.AssignedClinicianID, oldClinicianID) {
			return fmt.Errorf("patient %s was reassigned concurrently: %w", patientID, ErrConflict)
		}
		if !p.Active {
			return fmt.Errorf("patient %s is not active: %w", patientID, ErrConflict)
		}
		if _, err := c.activeClinician(ctx, newClinicianID); err != nil {
			return err
		}
		if oldClinicianID != nil && *oldClinicianID == newClinicianID {
			return nil
		}
		if err := c.requireSlot(ctx, newClinicianID); err != nil {
			return err
		}
		if err := c.patients.Reassign(ctx, patientID, newClinicianID); err != nil {
			return fmt.Errorf("reassign patient: %w", err)
		}
		c.assigned(ctx, "reassignment", patientID, newClinicianID, p.CurrentPriorityTier)

		if oldClinicianID == nil {
			return nil
		}
		backfilled, err = c.backfill(ctx, *oldClinicianID)
		return err
	})
	return backfilled, err
}

// backfill fills a freed slot from the queue. Inactive clinicians get nothing.
func (c *AssignmentCoordinator) backfill(ctx context.Context, clinicianID uuid.UUID) (*uuid.UUID, error) {
	cl, err := c.clinicians.GetByID(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	if !cl.Active {
		c.logger.Info().Str("clinician_id", clinicianID.String()).Msg("skipping backfill for inactive clinician")
		return nil, nil
	}
	return c.assignNext(ctx, clinicianID, "backfill")
}

func (c *AssignmentCoordinator) activeClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	cl, err := c.clinicians.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cl.Active {
		return nil, fmt.Errorf("clinician %s is not active: %w", id, ErrConflict)
	}
	return cl, nil
}

func (c *AssignmentCoordinator) requireSlot(ctx context.Context, clinicianID uuid.UUID) error {
	ok, err := c.CanAccept(ctx, clinicianID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("clinician %s is at capacity (%d): %w", clinicianID, c.capacity, ErrConflict)
	}
	return nil
}

func (c *AssignmentCoordinator) assigned(ctx context.Context, source string, patientID, clinicianID uuid.UUID, tier string) {
	assignments.WithLabelValues(source).Inc()
	c.logger.Info().Str("patient_id", patientID.String()).Str("clinician_id", clinicianID.String()).
		Str("source", source).Msg("patient assigned")
	enqueue(ctx, notification.Notification{
		RecipientID: clinicianID,
		Kind:        notification.KindPatientAssigned,
		Data:        map[string]string{"patient_id": patientID.String(), "tier": tier},
	})
}

func lockOrder(id uuid.UUID, other *uuid.UUID) []uuid.UUID {
	ids := []uuid.UUID{id}
	if other != nil && *other != id {
		ids = append(ids, *other)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sameClinician(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
