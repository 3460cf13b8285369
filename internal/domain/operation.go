package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// OperationClass tells whether an operation was performed by the system or a user.
type OperationClass string

// Operation classes.
const (
	OperationClassSystem OperationClass = "system"
	OperationClassUser   OperationClass = "user"
)

// OperationType identifies an entry in the incident operation log.
type OperationType string

// Operation types.
const (
	OperationTypeCreate           OperationType = "create"
	OperationTypeObserve          OperationType = "observe"
	OperationTypeRecover          OperationType = "recover"
	OperationTypeNotice           OperationType = "notice"
	OperationTypeUpdate           OperationType = "update"
	OperationTypeAlertTrigger     OperationType = "alert_trigger"
	OperationTypeAlertRecover     OperationType = "alert_recover"
	OperationTypeAlertInvalid     OperationType = "alert_invalid"
	OperationTypeAlertNotice      OperationType = "alert_notice"
	OperationTypeAlertConvergence OperationType = "alert_convergence"
	OperationTypeManualUpdate     OperationType = "manual_update"
	OperationTypeFeedback         OperationType = "feedback"
	OperationTypeClose            OperationType = "close"
	OperationTypeGroupGather      OperationType = "group_gather"
	OperationTypeAlertConfirm     OperationType = "alert_confirm"
	OperationTypeAlertShield      OperationType = "alert_shield"
	OperationTypeAlertHandle      OperationType = "alert_handle"
	OperationTypeAlertClose       OperationType = "alert_close"
	OperationTypeAlertDispatch    OperationType = "alert_dispatch"
)

var operationClasses = map[OperationType]OperationClass{
	OperationTypeCreate:           OperationClassSystem,
	OperationTypeObserve:          OperationClassSystem,
	OperationTypeRecover:          OperationClassSystem,
	OperationTypeNotice:           OperationClassSystem,
	OperationTypeUpdate:           OperationClassSystem,
	OperationTypeAlertTrigger:     OperationClassSystem,
	OperationTypeAlertRecover:     OperationClassSystem,
	OperationTypeAlertInvalid:     OperationClassSystem,
	OperationTypeAlertNotice:      OperationClassSystem,
	OperationTypeAlertConvergence: OperationClassSystem,
	OperationTypeManualUpdate:     OperationClassUser,
	OperationTypeFeedback:         OperationClassUser,
	OperationTypeClose:            OperationClassUser,
	OperationTypeGroupGather:      OperationClassUser,
	OperationTypeAlertConfirm:     OperationClassUser,
	OperationTypeAlertShield:      OperationClassUser,
	OperationTypeAlertHandle:      OperationClassUser,
	OperationTypeAlertClose:       OperationClassUser,
	OperationTypeAlertDispatch:    OperationClassUser,
}

var labelCaser = cases.Title(language.English)

// IsValid checks if the operation type is known.
func (t OperationType) IsValid() bool {
	_, ok := operationClasses[t]
	return ok
}

// Class returns the fixed operation class of the type.
func (t OperationType) Class() OperationClass {
	return operationClasses[t]
}

// Label returns a human readable name, e.g. "Alert Trigger".
func (t OperationType) Label() string {
	return labelCaser.String(strings.ReplaceAll(string(t), "_", " "))
}

// Operation is one immutable entry of the incident operation log.
type Operation struct {
	ID         string         `json:"id"`
	IncidentID int64          `json:"incident_id"`
	Type       OperationType  `json:"operation_type"`
	Class      OperationClass `json:"operation_class"`
	CreateTime time.Time      `json:"create_time"`
	ExtraInfo  JSONMap        `json:"extra_info"`
}

// NewOperation builds an operation whose class is derived from its type.
func NewOperation(id string, incidentID int64, opType OperationType, at time.Time, extra JSONMap) *Operation {
	if extra == nil {
		extra = JSONMap{}
	}
	return &Operation{
		ID:         id,
		IncidentID: incidentID,
		Type:       opType,
		Class:      opType.Class(),
		CreateTime: at,
		ExtraInfo:  extra,
	}
}
