package incident

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/incident-archive/internal/aiops"
	"github.com/bissquit/incident-archive/internal/domain"
	"github.com/bissquit/incident-archive/internal/pkg/ctxlog"
)

// DetailService reads and writes the incident record kept by the external service.
type DetailService interface {
	GetIncidentDetail(ctx context.Context, incidentID int64) (*aiops.IncidentDetail, error)
	UpdateIncidentDetail(ctx context.Context, incidentID int64, feedback domain.JSONMap) error
}

// DetailView is a single incident with its current snapshot reference.
type DetailView struct {
	IncidentView
	CurrentSnapshotID string   `json:"current_snapshot_id"`
	AlertCount        int      `json:"alert_count"`
	BizIDs            []string `json:"bk_biz_ids"`
}

// OperationView is the display shape of an operation log entry.
type OperationView struct {
	ID         string         `json:"id"`
	IncidentID int64          `json:"incident_id"`
	Type       string         `json:"operation_type"`
	TypeLabel  string         `json:"operation_type_alias"`
	Class      string         `json:"operation_class"`
	CreateTime int64          `json:"create_time"`
	ExtraInfo  domain.JSONMap `json:"extra_info"`
}

// HandlersView lists the people involved in an incident.
type HandlersView struct {
	Assignees []string `json:"assignees"`
	Handlers  []string `json:"handlers"`
	All       []string `json:"all"`
}

// TargetsView lists what the latest snapshot of an incident covers.
type TargetsView struct {
	BizIDs []string `json:"bk_biz_ids"`
	Alerts []string `json:"alerts"`
	Events []string `json:"events"`
}

// EditInput holds the user-editable incident fields. Nil fields are left unchanged.
type EditInput struct {
	Name      *string
	Reason    *string
	Level     *domain.IncidentLevel
	Assignees *[]string
	Handlers  *[]string
	Labels    *[]string
}

// Service implements incident reads and user edits.
type Service struct {
	repo   Repository
	detail DetailService
	now    func() time.Time
}

// NewService creates a new incident service.
func NewService(repo Repository, detail DetailService) *Service {
	return &Service{
		repo:   repo,
		detail: detail,
		now:    time.Now,
	}
}

// Detail returns an incident together with the id and alert count of its latest snapshot.
func (s *Service) Detail(ctx context.Context, id int64) (*DetailView, error) {
	inc, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &DetailView{
		IncidentView: NewIncidentView(inc, s.now()),
		BizIDs:       []string{},
	}

	snap, err := s.repo.LatestSnapshot(ctx, id)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
	case err != nil:
		return nil, fmt.Errorf("latest snapshot: %w", err)
	default:
		view.CurrentSnapshotID = snap.FPPSnapshotID
		view.AlertCount = len(snap.Alerts)
		view.BizIDs = nonNilStrings(snap.BizIDs)
	}
	return view, nil
}

// Operations returns the operation log of an incident, oldest first.
func (s *Service) Operations(ctx context.Context, id int64) ([]OperationView, error) {
	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, err
	}

	ops, err := s.repo.ListOperations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}

	out := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		extra := op.ExtraInfo
		if extra == nil {
			extra = domain.JSONMap{}
		}
		out = append(out, OperationView{
			ID:         op.ID,
			IncidentID: op.IncidentID,
			Type:       string(op.Type),
			TypeLabel:  op.Type.Label(),
			Class:      string(op.Class),
			CreateTime: op.CreateTime.Unix(),
			ExtraInfo:  extra,
		})
	}
	return out, nil
}

// Handlers returns the assignees and handlers of an incident.
func (s *Service) Handlers(ctx context.Context, id int64) (*HandlersView, error) {
	inc, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	return &HandlersView{
		Assignees: nonNilStrings(inc.Assignees),
		Handlers:  nonNilStrings(inc.Handlers),
		All:       domain.UniqueStrings(inc.Assignees, inc.Handlers),
	}, nil
}

// Targets returns the business units, alerts and events of the latest snapshot.
func (s *Service) Targets(ctx context.Context, id int64) (*TargetsView, error) {
	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, err
	}

	view := &TargetsView{BizIDs: []string{}, Alerts: []string{}, Events: []string{}}
	snap, err := s.repo.LatestSnapshot(ctx, id)
	if errors.Is(err, ErrSnapshotNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	view.BizIDs = nonNilStrings(snap.BizIDs)
	view.Alerts = nonNilStrings(snap.Alerts)
	view.Events = nonNilStrings(snap.Events)
	return view, nil
}

// fieldChange is one edited field.
type fieldChange struct {
	field    string
	from, to any
}

// Edit applies a user edit. The document write and one manual_update
// operation per changed field commit together.
func (s *Service) Edit(ctx context.Context, id int64, input EditInput, operator string) (*IncidentView, error) {
	var updated *domain.Incident
	now := s.now().UTC()

	err := s.repo.WithTx(ctx, func(tx Store) error {
		inc, err := tx.GetIncident(ctx, id)
		if err != nil {
			return err
		}

		changes := applyEdit(inc, input)
		if len(changes) == 0 {
			updated = inc
			return nil
		}

		inc.UpdateTime = now
		if err := tx.UpsertIncidents(ctx, []*domain.Incident{inc}, domain.WriteModeUpdate); err != nil {
			return fmt.Errorf("update incident: %w", err)
		}

		recorder := NewRecorder(tx)
		for _, c := range changes {
			if err := recorder.RecordManualUpdate(ctx, id, now, operator, c.field, c.from, c.to); err != nil {
				return err
			}
		}
		updated = inc
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("incident edited", "incident_id", id, "operator", operator)
	view := NewIncidentView(updated, now)
	return &view, nil
}

func applyEdit(inc *domain.Incident, in EditInput) []fieldChange {
	var changes []fieldChange

	if in.Name != nil && *in.Name != inc.Name {
		changes = append(changes, fieldChange{"incident_name", inc.Name, *in.Name})
		inc.Name = *in.Name
	}
	if in.Reason != nil && *in.Reason != inc.Reason {
		changes = append(changes, fieldChange{"incident_reason", inc.Reason, *in.Reason})
		inc.Reason = *in.Reason
	}
	if in.Level != nil && *in.Level != inc.Level {
		changes = append(changes, fieldChange{"level", string(inc.Level), string(*in.Level)})
		inc.Level = *in.Level
	}
	if in.Assignees != nil {
		if next := domain.UniqueStrings(*in.Assignees); !slices.Equal(next, nonNilStrings(inc.Assignees)) {
			changes = append(changes, fieldChange{"assignees", nonNilStrings(inc.Assignees), next})
			inc.Assignees = next
		}
	}
	if in.Handlers != nil {
		if next := domain.UniqueStrings(*in.Handlers); !slices.Equal(next, nonNilStrings(inc.Handlers)) {
			changes = append(changes, fieldChange{"handlers", nonNilStrings(inc.Handlers), next})
			inc.Handlers = next
		}
	}
	if in.Labels != nil {
		if next := domain.UniqueStrings(*in.Labels); !slices.Equal(next, nonNilStrings(inc.Labels)) {
			changes = append(changes, fieldChange{"labels", nonNilStrings(inc.Labels), next})
			inc.Labels = next
		}
	}
	return changes
}

// Feedback merges contents into the incident feedback kept by the external
// service, records a feedback operation and returns the merged feedback.
func (s *Service) Feedback(ctx context.Context, id int64, contents domain.JSONMap, operator string) (domain.JSONMap, error) {
	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, err
	}

	detail, err := s.detail.GetIncidentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get incident detail: %w", err)
	}

	feedback := detail.Feedback.Clone()
	if feedback == nil {
		feedback = domain.JSONMap{}
	}
	for k, v := range contents {
		feedback[k] = v
	}

	if err := s.detail.UpdateIncidentDetail(ctx, id, feedback); err != nil {
		return nil, fmt.Errorf("update incident detail: %w", err)
	}

	if err := NewRecorder(s.repo).RecordFeedback(ctx, id, s.now().UTC(), operator, contents); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("incident feedback saved", "incident_id", id, "operator", operator)
	return feedback, nil
}
