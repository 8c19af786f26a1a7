package models

type TriggerType string

const (
	TriggerNewLead     TriggerType = "new_lead"
	TriggerNewMessage  TriggerType = "new_message"
	TriggerStageChange TriggerType = "stage_change"
)

func (t TriggerType) Valid() bool {
	return t == TriggerNewLead || t == TriggerNewMessage || t == TriggerStageChange
}

const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsSet       = "is_set"
)

const (
	ActionSendWhatsApp = "send_whatsapp"
	ActionAddTag       = "add_tag"
	ActionChangeStage  = "change_stage"
)

type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

type Action struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

type AutomationFlow struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	Name          string                 `json:"name"`
	TriggerType   TriggerType            `json:"trigger_type"`
	TriggerConfig map[string]interface{} `json:"trigger_config"` // JSON in DB
	Conditions    []Condition            `json:"conditions"`     // JSON in DB
	Actions       []Action               `json:"actions"`        // JSON in DB
	Active        bool                   `json:"active"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

type AutomationExecution struct {
	ID           string                 `json:"id"`
	FlowID       string                 `json:"flow_id"`
	TenantID     string                 `json:"tenant_id"`
	Status       ExecutionStatus        `json:"status"`
	Context      map[string]interface{} `json:"context"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	StartedAt    int64                  `json:"started_at"`
	FinishedAt   *int64                 `json:"finished_at,omitempty"`
}
