package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusSent, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusProcessing, true},
		{StatusQueued, StatusCancelled, true},
		{StatusSent, StatusProcessing, false},
		{StatusSent, StatusSent, false},
		{StatusSent, StatusFailed, false},
		{StatusCancelled, StatusProcessing, false},
		{StatusProcessing, StatusCancelled, false},
		{StatusQueued, StatusSent, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordUpdateApply(t *testing.T) {
	now := time.Now()
	r := &DeliveryRecord{Status: StatusProcessing, Attempts: 2}

	RecordUpdate{
		To:        StatusSent,
		At:        now,
		Attempts:  1,
		Sender:    &SenderIdentity{AccountID: "a1", Address: "a1@example.com"},
		MessageID: "<m1@example.com>",
	}.Apply(r)

	if r.Status != StatusSent || r.SentAt == nil || !r.SentAt.Equal(now) {
		t.Fatalf("unexpected record after apply: %+v", r)
	}
	if r.Attempts != 2 {
		t.Fatalf("attempts must never decrease, got %d", r.Attempts)
	}
	if r.Sender.AccountID != "a1" || r.MessageID != "<m1@example.com>" {
		t.Fatalf("sender/message id not recorded: %+v", r)
	}
}

func TestEffectiveState(t *testing.T) {
	now := time.Now()
	j := &Job{State: JobDelayed, RunAt: now.Add(-time.Second)}
	if got := j.EffectiveState(now); got != JobWaiting {
		t.Fatalf("overdue delayed job should report waiting, got %s", got)
	}
	j.RunAt = now.Add(time.Minute)
	if got := j.EffectiveState(now); got != JobDelayed {
		t.Fatalf("future job should stay delayed, got %s", got)
	}
}

func TestAttachmentResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := FileAttachment(path, "application/pdf").Resolve()
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	if a.Size != 8 || a.Filename != "report.pdf" {
		t.Fatalf("unexpected resolved file attachment: %+v", a)
	}

	if _, err := FileAttachment(filepath.Join(dir, "missing.pdf"), "").Resolve(); err == nil {
		t.Fatal("expected error for missing file")
	}

	in, err := InlineAttachment("note.txt", []byte("hi"), "").Resolve()
	if err != nil {
		t.Fatalf("resolve inline: %v", err)
	}
	if in.ContentType != "application/octet-stream" || in.Size != 2 {
		t.Fatalf("unexpected inline attachment: %+v", in)
	}
}

func TestAccountRedactedAndFingerprint(t *testing.T) {
	a := Account{ID: "u1", Address: "u1@example.com", Password: "secret", Host: "smtp.example.com", Port: 587}
	if a.Redacted().Password != "" {
		t.Fatal("redacted account still has a password")
	}
	b := a
	b.Port = 465
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when the port changes")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}
