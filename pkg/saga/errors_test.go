package saga

import "testing"

func TestFormatAndParseStepError(t *testing.T) {
	cases := []struct {
		code    ErrorCode
		message string
		want    string
	}{
		{CodePaymentDeclined, "card declined", "PAYMENT_DECLINED: card declined"},
		{CodeInventoryUnavailable, "SKU-1 out of stock", "INVENTORY_UNAVAILABLE: SKU-1 out of stock"},
		{CodeUnexpected, "boom", "UNEXPECTED_ERROR: boom"},
	}
	for _, tc := range cases {
		got := FormatStepError(tc.code, tc.message)
		if got != tc.want {
			t.Fatalf("FormatStepError(%s) = %q, want %q", tc.code, got, tc.want)
		}
		code, msg := ParseStepError(got)
		if code != tc.code || msg != tc.message {
			t.Fatalf("ParseStepError(%q) = (%s, %q)", got, code, msg)
		}
	}
}

func TestFormatStepErrorEmptyInputs(t *testing.T) {
	if got := FormatStepError("", "boom"); got != "UNEXPECTED_ERROR: boom" {
		t.Fatalf("empty code: %q", got)
	}
	if got := FormatStepError(CodeConflict, ""); got != "CONFLICT" {
		t.Fatalf("empty message: %q", got)
	}
}

func TestParseStepErrorUnrecognized(t *testing.T) {
	code, msg := ParseStepError("something went wrong")
	if code != CodeUnexpected || msg != "something went wrong" {
		t.Fatalf("got (%s, %q)", code, msg)
	}

	// A colon alone does not make a code.
	code, msg = ParseStepError("http error: 503")
	if code != CodeUnexpected || msg != "http error: 503" {
		t.Fatalf("got (%s, %q)", code, msg)
	}

	code, msg = ParseStepError("")
	if code != CodeUnexpected || msg != "" {
		t.Fatalf("empty input: (%s, %q)", code, msg)
	}

	// Bare code with no message.
	code, msg = ParseStepError("CONFLICT")
	if code != CodeConflict || msg != "" {
		t.Fatalf("bare code: (%s, %q)", code, msg)
	}
}

func TestErrorCodeRetryable(t *testing.T) {
	retryable := []ErrorCode{
		CodeInventoryUnavailable,
		CodePaymentDeclined,
		CodePaymentTimeout,
		CodeShippingUnavailable,
		CodeServiceTimeout,
		CodeUnexpected,
	}
	for _, code := range retryable {
		if !code.Retryable() {
			t.Fatalf("%s should be retryable", code)
		}
	}
	for _, code := range []ErrorCode{CodeFraudDetected, CodeConflict} {
		if code.Retryable() {
			t.Fatalf("%s should not be retryable", code)
		}
	}
}
