package fingerprint

import (
	"testing"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

func testEvent(msg, stack string) *models.LogEvent {
	return &models.LogEvent{
		Timestamp:  time.Now(),
		Level:      "ERROR",
		Message:    msg,
		ServiceID:  "checkout",
		StackTrace: stack,
	}
}

func TestComputeDeterministic(t *testing.T) {
	engine := New()
	event := testEvent(
		"failed to load user 12345",
		"java.lang.NullPointerException: name is null\n\tat com.shop.UserService.load(UserService.java:88)\n\tat com.shop.Api.handle(Api.java:31)",
	)

	fp1, ok := engine.Compute(event)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	fp2, ok := engine.Compute(event)
	if !ok {
		t.Fatal("expected a fingerprint on repeat")
	}

	if fp1.Signature != fp2.Signature {
		t.Errorf("signature not stable: %q vs %q", fp1.Signature, fp2.Signature)
	}
	if fp1.ClusterID != fp2.ClusterID {
		t.Errorf("cluster id not stable: %q vs %q", fp1.ClusterID, fp2.ClusterID)
	}
	if fp1.ExceptionType != "java.lang.NullPointerException" {
		t.Errorf("exception type = %q", fp1.ExceptionType)
	}
}

func TestComputeMasksVariableTokens(t *testing.T) {
	engine := New()

	a := testEvent(
		"failed to load user 12345",
		"java.lang.NullPointerException: name is null\n\tat com.shop.UserService.load(UserService.java:88)",
	)
	b := testEvent(
		"failed to load user 99871",
		"java.lang.NullPointerException: name is null\n\tat com.shop.UserService.load(UserService.java:142)",
	)

	fpA, _ := engine.Compute(a)
	fpB, _ := engine.Compute(b)

	if fpA.Signature != fpB.Signature {
		t.Errorf("same bug with different ids/lines should share a signature:\n  %q\n  %q", fpA.Signature, fpB.Signature)
	}
}

func TestComputeDistinguishesTypes(t *testing.T) {
	engine := New()

	a := testEvent("boom", "java.lang.NullPointerException: x\n\tat com.shop.A.run(A.java:1)")
	b := testEvent("boom", "java.lang.IllegalStateException: x\n\tat com.shop.A.run(A.java:1)")

	fpA, _ := engine.Compute(a)
	fpB, _ := engine.Compute(b)

	if fpA.Signature == fpB.Signature {
		t.Error("different exception types must not share a signature")
	}
}

func TestComputeDistinguishesTopFrames(t *testing.T) {
	engine := New()

	a := testEvent("boom", "java.lang.NullPointerException: x\n\tat com.shop.A.run(A.java:1)")
	b := testEvent("boom", "java.lang.NullPointerException: x\n\tat com.shop.B.walk(B.java:1)")

	fpA, _ := engine.Compute(a)
	fpB, _ := engine.Compute(b)

	if fpA.Signature == fpB.Signature {
		t.Error("different top frames must not share a signature")
	}
}

func TestComputeNoException(t *testing.T) {
	engine := New()

	event := testEvent("user logged in", "")
	if _, ok := engine.Compute(event); ok {
		t.Error("plain informational message should not fingerprint")
	}
}

func TestExceptionTypeExtraction(t *testing.T) {
	engine := New()

	tests := []struct {
		name  string
		event *models.LogEvent
		want  string
	}{
		{
			name:  "explicit field wins",
			event: &models.LogEvent{ExceptionType: "CustomError", Message: "ValueError: nope"},
			want:  "CustomError",
		},
		{
			name:  "python traceback terminator",
			event: testEvent("", "Traceback (most recent call last):\n  File \"/app/w.py\", line 3, in run\nValueError: bad input"),
			want:  "ValueError",
		},
		{
			name:  "generic suffix in message",
			event: testEvent("caught TimeoutError after 30s", ""),
			want:  "TimeoutError",
		},
		{
			name:  "go panic",
			event: testEvent("", "panic: runtime error: index out of range\n\ngoroutine 1 [running]:\nmain.main()\n\t/app/main.go:12 +0x1d"),
			want:  "panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, ok := engine.Compute(tt.event)
			if !ok {
				t.Fatal("expected a fingerprint")
			}
			if fp.ExceptionType != tt.want {
				t.Errorf("exception type = %q, want %q", fp.ExceptionType, tt.want)
			}
		})
	}
}

func TestPythonFramesContribute(t *testing.T) {
	engine := New()

	a := testEvent("", "Traceback (most recent call last):\n  File \"/app/orders.py\", line 10, in create\nKeyError: 'sku'")
	b := testEvent("", "Traceback (most recent call last):\n  File \"/app/billing.py\", line 10, in charge\nKeyError: 'sku'")

	fpA, _ := engine.Compute(a)
	fpB, _ := engine.Compute(b)

	if fpA.Signature == fpB.Signature {
		t.Error("different python frames must not share a signature")
	}
}

func TestMask(t *testing.T) {
	engine := New()

	tests := []struct {
		in   string
		want string
	}{
		{"retry 3 of 5 failed", "retry <NUM> of <NUM> failed"},
		{"id 550e8400-e29b-41d4-a716-446655440000 missing", "id <UUID> missing"},
		{"value 'abc' rejected at 2024-01-02 15:04:05", "value <STR> rejected at <TS>"},
		{"pointer 0xdeadbeef freed", "pointer <ADDR> freed"},
	}

	for _, tt := range tests {
		if got := engine.Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
