package storage

import (
	"time"

	"cdpwebreq/pkg/model"
)

// EventRecord 拦截事件历史表
type EventRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"index" json:"sessionId"`
	TargetID     string    `json:"targetId"`
	TabID        uint64    `gorm:"index" json:"tabId"`
	RequestID    uint64    `json:"requestId"`
	Type         string    `gorm:"index" json:"type"` // blocked, redirected, faked, modified, passed...
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Stage        string    `json:"stage"`
	ResourceType string    `json:"resourceType"`
	StatusCode   int       `json:"statusCode"`
	Error        string    `json:"error"`
	Timestamp    int64     `gorm:"index" json:"timestamp"`
	CreatedAt    time.Time `json:"createdAt"`
}

func recordFromEvent(evt model.Event) EventRecord {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return EventRecord{
		SessionID:    string(evt.Session),
		TargetID:     string(evt.Target),
		TabID:        uint64(evt.Tab),
		RequestID:    uint64(evt.Request),
		Type:         evt.Type,
		URL:          evt.URL,
		Method:       evt.Method,
		Stage:        string(evt.Stage),
		ResourceType: evt.ResourceType,
		StatusCode:   evt.StatusCode,
		Error:        evt.Error,
		Timestamp:    ts.UnixMilli(),
	}
}

// Event 还原为事件
func (r EventRecord) Event() model.Event {
	return model.Event{
		Type:         r.Type,
		Session:      model.SessionID(r.SessionID),
		Target:       model.TargetID(r.TargetID),
		Tab:          model.TabID(r.TabID),
		Request:      model.RequestID(r.RequestID),
		URL:          r.URL,
		Method:       r.Method,
		Stage:        model.Stage(r.Stage),
		ResourceType: r.ResourceType,
		StatusCode:   r.StatusCode,
		Error:        r.Error,
		Timestamp:    time.UnixMilli(r.Timestamp),
	}
}
