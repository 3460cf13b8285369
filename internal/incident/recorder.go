package incident

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/google/uuid"
)

// operationNamespace scopes name-based operation and snapshot IDs.
var operationNamespace = uuid.MustParse("4f6c8d2e-3b1a-4c57-9e0d-7a2b5c8e1f34")

// Recorder appends entries to the incident operation log.
// Sync-driven entries get IDs derived from their content, so a redelivered
// message writes the same IDs and the store skips them.
type Recorder struct {
	store Store
	newID func() string
}

// NewRecorder creates a recorder writing to store. Pass the transaction-bound
// store when the entries must commit together with document writes.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		newID: func() string { return uuid.NewString() },
	}
}

// RecordCreate writes one create operation. snapshotID is the snapshot the
// sync carried; replays of the same sync map to the same operation.
func (r *Recorder) RecordCreate(ctx context.Context, incidentID int64, snapshotID string, operateTime time.Time, alertCount int, assignees []string) error {
	op := domain.NewOperation(
		stableID(incidentID, snapshotID, operateTime, domain.OperationTypeCreate, ""),
		incidentID,
		domain.OperationTypeCreate,
		operateTime,
		domain.JSONMap{
			"alert_count": alertCount,
			"assignees":   nonNilStrings(assignees),
		},
	)
	return r.write(ctx, op)
}

// RecordUpdate writes one update operation for a single changed field.
func (r *Recorder) RecordUpdate(ctx context.Context, incidentID int64, snapshotID string, operateTime time.Time, field string, from, to any) error {
	op := domain.NewOperation(
		stableID(incidentID, snapshotID, operateTime, domain.OperationTypeUpdate, field),
		incidentID,
		domain.OperationTypeUpdate,
		operateTime,
		domain.JSONMap{
			"field":      field,
			"from_value": from,
			"to_value":   to,
		},
	)
	return r.write(ctx, op)
}

// RecordManualUpdate writes one manual_update operation for a field edited by a user.
func (r *Recorder) RecordManualUpdate(ctx context.Context, incidentID int64, operateTime time.Time, operator, field string, from, to any) error {
	op := domain.NewOperation(
		r.newID(),
		incidentID,
		domain.OperationTypeManualUpdate,
		operateTime,
		domain.JSONMap{
			"operator":   operator,
			"field":      field,
			"from_value": from,
			"to_value":   to,
		},
	)
	return r.write(ctx, op)
}

// RecordFeedback writes one feedback operation.
func (r *Recorder) RecordFeedback(ctx context.Context, incidentID int64, operateTime time.Time, operator string, feedback domain.JSONMap) error {
	op := domain.NewOperation(
		r.newID(),
		incidentID,
		domain.OperationTypeFeedback,
		operateTime,
		domain.JSONMap{
			"operator": operator,
			"feedback": feedback,
		},
	)
	return r.write(ctx, op)
}

func (r *Recorder) write(ctx context.Context, op *domain.Operation) error {
	if err := r.store.CreateOperations(ctx, []*domain.Operation{op}); err != nil {
		return fmt.Errorf("record %s operation: %w", op.Type, err)
	}
	return nil
}

// stableID names a sync operation by everything that distinguishes it, so two
// syncs landing in the same second still get separate entries.
func stableID(incidentID int64, snapshotID string, at time.Time, opType domain.OperationType, field string) string {
	name := strconv.FormatInt(incidentID, 10) + "/" +
		snapshotID + "/" +
		strconv.FormatInt(at.Unix(), 10) + "/" +
		string(opType) + "/" + field
	return uuid.NewSHA1(operationNamespace, []byte(name)).String()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
