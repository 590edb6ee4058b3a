package model

import (
	"testing"
	"time"
)

func TestValidItemTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{ItemNew, ItemProcessing, true},
		{ItemProcessing, ItemCompleted, true},
		{ItemProcessing, ItemFailed, true},
		{ItemProcessing, ItemRetrying, true},
		{ItemProcessing, ItemNew, true},
		{ItemRetrying, ItemProcessing, true},
		{ItemFailed, ItemRetrying, true},
		{ItemNew, ItemCompleted, false},
		{ItemCompleted, ItemProcessing, false},
		{ItemCompleted, ItemFailed, false},
		{ItemRetrying, ItemCompleted, false},
		{"bogus", ItemProcessing, false},
	}

	for _, tt := range tests {
		if got := ValidItemTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidItemTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidExecTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{ExecQueued, ExecRunning, true},
		{ExecQueued, ExecCanceled, true},
		{ExecRunning, ExecCompleted, true},
		{ExecRunning, ExecFailed, true},
		{ExecRunning, ExecCanceled, true},
		{ExecQueued, ExecCompleted, false},
		{ExecCompleted, ExecRunning, false},
		{ExecCanceled, ExecRunning, false},
		{ExecFailed, ExecQueued, false},
	}

	for _, tt := range tests {
		if got := ValidExecTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidExecTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestItemTerminal(t *testing.T) {
	if !ItemTerminal(ItemCompleted, false) {
		t.Error("completed should be terminal")
	}
	if !ItemTerminal(ItemFailed, false) {
		t.Error("failed with no retry scheduled should be terminal")
	}
	if ItemTerminal(ItemFailed, true) {
		t.Error("failed with a retry scheduled should not be terminal")
	}
	if ItemTerminal(ItemProcessing, false) {
		t.Error("processing should not be terminal")
	}
}

func TestAgentCanRun(t *testing.T) {
	a := &Agent{Capabilities: []string{"shell", "docker", "windows"}}

	if !a.CanRun(nil) {
		t.Error("empty requirements should always match")
	}
	if !a.CanRun([]string{"shell", "docker"}) {
		t.Error("subset of capabilities should match")
	}
	if a.CanRun([]string{"shell", "gpu"}) {
		t.Error("missing capability should not match")
	}
}

func TestItemEligible(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	item := &QueueItem{Status: ItemNew}
	if !item.Eligible(now) {
		t.Error("new item should be eligible")
	}

	item = &QueueItem{Status: ItemRetrying, NextRetryAt: &past}
	if !item.Eligible(now) {
		t.Error("retrying item past next_retry_at should be eligible")
	}

	item = &QueueItem{Status: ItemRetrying, NextRetryAt: &future}
	if item.Eligible(now) {
		t.Error("retrying item before next_retry_at should not be eligible")
	}

	item = &QueueItem{Status: ItemProcessing}
	if item.Eligible(now) {
		t.Error("processing item should not be eligible")
	}
}

func TestConditionValidate(t *testing.T) {
	valid := []Condition{
		{Kind: ConditionFieldThreshold, Field: "attempt_count", Op: ">=", Value: 2},
		{Kind: ConditionStatusChange, From: AgentOnline, To: AgentOffline},
		{Kind: ConditionStatusChange, To: ExecFailed},
		{Kind: ConditionDuration, MinSeconds: 300},
	}
	for i, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("condition %d: unexpected error %v", i, err)
		}
	}

	invalid := []Condition{
		{Kind: "weird"},
		{Kind: ConditionFieldThreshold, Field: "x", Op: "!="},
		{Kind: ConditionFieldThreshold, Op: ">="},
		{Kind: ConditionStatusChange},
		{Kind: ConditionDuration},
	}
	for i, c := range invalid {
		if err := c.Validate(); err == nil {
			t.Errorf("condition %d: expected error, got nil", i)
		}
	}
}
