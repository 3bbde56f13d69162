package ipc

// InboundType enumerates the Scheduler→Core message kinds (spec §4.G).
type InboundType string

const (
	SubmitJob         InboundType = "submit_job"
	CancelJob         InboundType = "cancel_job"
	RequestPermit     InboundType = "request_permit"
	ReportQueueMetrics InboundType = "report_queue_metrics"
	HeartbeatIn       InboundType = "heartbeat"
)

// OutboundType enumerates the Core→Scheduler message kinds.
type OutboundType string

const (
	Ack            OutboundType = "ack"
	PermitGranted  OutboundType = "permit_granted"
	PermitRejected OutboundType = "permit_rejected"
	JobCompleted   OutboundType = "job_completed"
	JobCancelled   OutboundType = "job_cancelled"
	Escalation     OutboundType = "escalation"
	HeartbeatOut   OutboundType = "heartbeat"
	HeartbeatAck   OutboundType = "heartbeat_ack"
	ErrorOut       OutboundType = "error"
)

// InboundMessage is one Scheduler→Core frame. RequestID is mandatory;
// Payload carries the type-specific body as raw JSON.
type InboundMessage struct {
	RequestID string          `json:"requestId"`
	Type      InboundType     `json:"type"`
	Payload   interface{}     `json:"payload,omitempty"`
}

// OutboundMessage is one Core→Scheduler frame. RequestID echoes the
// inbound request this answers, when applicable (heartbeats from Core
// that aren't answering a specific heartbeat carry their own id).
type OutboundMessage struct {
	RequestID string       `json:"requestId,omitempty"`
	Type      OutboundType `json:"type"`
	Payload   interface{}  `json:"payload,omitempty"`
}
