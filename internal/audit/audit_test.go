package audit

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/gluk-w/sshmux/internal/database"
	"github.com/gluk-w/sshmux/internal/sshmux"
)

var _ sshmux.Auditor = (*Recorder)(nil)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	return NewAuditor(setupTestDB(t), 30)
}

func TestNewAuditorRetention(t *testing.T) {
	if got := newTestAuditor(t).RetentionDays(); got != 30 {
		t.Errorf("retention = %d, want 30", got)
	}
	if got := NewAuditor(setupTestDB(t), 0).RetentionDays(); got != DefaultRetentionDays {
		t.Errorf("default retention = %d, want %d", got, DefaultRetentionDays)
	}
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)
	entries := []Entry{
		{Session: "s1", Alias: "web", EventType: EventConnectionEstablished, Username: "root"},
		{Session: "s1", Alias: "web", EventType: EventCommandExecution, Username: "root", Details: "cmd=ls exit=0"},
		{Session: "s2", Alias: "db", EventType: EventCommandExecution, Username: "admin", Details: "cmd=psql exit=1"},
	}
	for _, e := range entries {
		if err := a.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	tests := []struct {
		name string
		opts QueryOptions
		want int64
	}{
		{"all", QueryOptions{}, 3},
		{"by session", QueryOptions{Session: "s1"}, 2},
		{"by alias", QueryOptions{Alias: "db"}, 1},
		{"by type", QueryOptions{EventType: EventCommandExecution}, 2},
		{"by user", QueryOptions{Username: "admin"}, 1},
		{"combined", QueryOptions{Alias: "web", EventType: EventCommandExecution}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Query(tt.opts)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.Total != tt.want || int64(len(res.Entries)) != tt.want {
				t.Errorf("total = %d, entries = %d, want %d", res.Total, len(res.Entries), tt.want)
			}
		})
	}
}

func TestQueryPaginationAndOrder(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.SetNowFunc(func() time.Time { return base.Add(time.Duration(i) * time.Minute) })
		a.Log(Entry{Alias: "web", EventType: EventFileOperation, Details: string(rune('a' + i))})
	}

	res, err := a.Query(QueryOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 5 || len(res.Entries) != 2 {
		t.Fatalf("total = %d, page = %d", res.Total, len(res.Entries))
	}
	if res.Entries[0].Details != "d" || res.Entries[1].Details != "c" {
		t.Errorf("page = %q, %q, want newest first (d, c)", res.Entries[0].Details, res.Entries[1].Details)
	}

	if res, _ := a.Query(QueryOptions{Limit: 5000}); res.Limit != 1000 {
		t.Errorf("limit cap = %d, want 1000", res.Limit)
	}
	since := base.Add(3 * time.Minute)
	if res, _ := a.Query(QueryOptions{Since: &since}); res.Total != 2 {
		t.Errorf("since filter total = %d, want 2", res.Total)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -45) })
	a.Log(Entry{EventType: EventCommandExecution, Details: "old"})
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -5) })
	a.Log(Entry{EventType: EventCommandExecution, Details: "recent"})
	a.SetNowFunc(func() time.Time { return now })

	n, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	res, _ := a.Query(QueryOptions{})
	if res.Total != 1 || res.Entries[0].Details != "recent" {
		t.Errorf("remaining = %+v", res.Entries)
	}

	if n, _ := a.PurgeOlderThan(1); n != 1 {
		t.Errorf("explicit 1-day purge removed %d, want 1", n)
	}
}

func TestRecorderEvents(t *testing.T) {
	a := newTestAuditor(t)
	r := a.Recorder("session-1")

	r.ConnectionEstablished("web", "root", "10.0.0.5:22")
	r.ConnectionFailed("db", "root", "10.0.0.6:22", "auth failed")
	r.CommandExecuted("web", "root", "uptime", 0, 1500*time.Millisecond)
	r.FileOperation("web", "root", "write", "/etc/motd")
	r.ConnectionTerminated("web", "root", "disconnected by caller", 2*time.Second)

	res, err := a.Query(QueryOptions{Session: "session-1", Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 5 {
		t.Fatalf("total = %d, want 5", res.Total)
	}

	byType := map[string]database.AuditLog{}
	for _, e := range res.Entries {
		byType[e.EventType] = e
	}
	if e := byType[EventCommandExecution]; e.Details != "cmd=uptime exit=0" || e.DurationMs != 1500 {
		t.Errorf("command entry = %+v", e)
	}
	if e := byType[EventConnectionEstablished]; e.Address != "10.0.0.5:22" {
		t.Errorf("connection entry = %+v", e)
	}
	if e := byType[EventFileOperation]; !strings.HasPrefix(e.Details, "write: ") {
		t.Errorf("file entry = %+v", e)
	}
	if e := byType[EventConnectionTerminated]; e.DurationMs != 2000 {
		t.Errorf("terminated entry = %+v", e)
	}
}

func TestNilRecorderIsSilent(t *testing.T) {
	var r *Recorder
	r.CommandExecuted("web", "root", "ls", 0, time.Second)
}

func TestStartPurgeSchedule(t *testing.T) {
	a := newTestAuditor(t)
	a.SetNowFunc(func() time.Time { return time.Now().AddDate(0, 0, -400) })
	a.Log(Entry{EventType: EventCommandExecution, Details: "ancient"})
	a.SetNowFunc(time.Now)

	c, err := a.StartPurgeSchedule("@every 1s")
	if err != nil {
		t.Fatalf("StartPurgeSchedule: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, _ := a.Query(QueryOptions{})
		if res.Total == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled purge did not run")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestStartPurgeScheduleRejectsBadSpec(t *testing.T) {
	a := newTestAuditor(t)
	if _, err := a.StartPurgeSchedule("every now and then"); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}
