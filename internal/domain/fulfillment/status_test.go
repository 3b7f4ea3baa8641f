package fulfillment

import (
	"testing"
	"time"
)

// statusNow pins the engine clock mid-day so day-boundary arithmetic is
// exercised deliberately rather than by whenever the test happens to run.
var statusNow = time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)

func TestMedicationRequestStatus(t *testing.T) {
	days := 90
	// startOfDay(statusNow) - 90d
	cutoff := time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		request *Request
		want    RequestStatus
	}{
		{"nil request", nil, RequestActive},
		{"cancelled passes through", &Request{Status: RequestCancelled, ValidityStart: cutoff.AddDate(-1, 0, 0)}, RequestCancelled},
		{"completed passes through", &Request{Status: RequestCompleted, ValidityStart: cutoff.AddDate(-1, 0, 0)}, RequestCompleted},
		{"no validity start stays active", &Request{Status: RequestActive}, RequestActive},
		{"start exactly at cutoff is active", &Request{Status: RequestActive, ValidityStart: cutoff}, RequestActive},
		{"start one second before cutoff expires", &Request{Status: RequestActive, ValidityStart: cutoff.Add(-time.Second)}, RequestExpired},
		{"recent start is active", &Request{Status: RequestActive, ValidityStart: statusNow.AddDate(0, 0, -1)}, RequestActive},
		{"backend expired status recomputed", &Request{Status: RequestExpired, ValidityStart: statusNow.AddDate(0, 0, -1)}, RequestActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := medicationRequestStatusAt(tt.request, days, statusNow); got != tt.want {
				t.Errorf("medicationRequestStatusAt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMedicationRequestStatusZeroExpirationPeriod(t *testing.T) {
	// With a zero-day window anything started before today is expired.
	r := &Request{Status: RequestActive, ValidityStart: statusNow.AddDate(0, 0, -1)}
	if got := medicationRequestStatusAt(r, 0, statusNow); got != RequestExpired {
		t.Errorf("got %q, want expired", got)
	}
	sameDay := &Request{Status: RequestActive, ValidityStart: statusNow.Add(-time.Hour)}
	if got := medicationRequestStatusAt(sameDay, 0, statusNow); got != RequestActive {
		t.Errorf("same-day start: got %q, want active", got)
	}
}

func TestMedicationRequestCombinedStatus(t *testing.T) {
	days := 90
	expiredStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		request *Request
		want    CombinedStatus
	}{
		{"nil request", nil, CombinedUnknown},
		{"cancelled", &Request{Status: RequestCancelled}, CombinedCancelled},
		{"completed", &Request{Status: RequestCompleted}, CombinedCompleted},
		{"expired beats on-hold fulfiller", &Request{Status: RequestActive, ValidityStart: expiredStart, FulfillerStatus: FulfillerOnHold}, CombinedExpired},
		{"cancelled beats declined fulfiller", &Request{Status: RequestCancelled, FulfillerStatus: FulfillerDeclined}, CombinedCancelled},
		{"active with declined fulfiller", &Request{Status: RequestActive, FulfillerStatus: FulfillerDeclined}, CombinedDeclined},
		{"active with on-hold fulfiller", &Request{Status: RequestActive, FulfillerStatus: FulfillerOnHold}, CombinedOnHold},
		{"active with completed fulfiller stays active", &Request{Status: RequestActive, FulfillerStatus: FulfillerCompleted}, CombinedActive},
		{"plain active", &Request{Status: RequestActive}, CombinedActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := medicationRequestCombinedStatusAt(tt.request, days, statusNow); got != tt.want {
				t.Errorf("medicationRequestCombinedStatusAt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrescriptionStatus(t *testing.T) {
	days := 90
	expiredStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	active := &Request{Status: RequestActive}
	onHold := &Request{Status: RequestActive, FulfillerStatus: FulfillerOnHold}
	declined := &Request{Status: RequestActive, FulfillerStatus: FulfillerDeclined}
	completed := &Request{Status: RequestCompleted}
	cancelled := &Request{Status: RequestCancelled}
	expired := &Request{Status: RequestActive, ValidityStart: expiredStart}

	tests := []struct {
		name     string
		requests []*Request
		want     CombinedStatus
	}{
		{"empty", nil, CombinedNone},
		{"single active", []*Request{active}, CombinedActive},
		{"active wins over everything", []*Request{expired, cancelled, declined, completed, onHold, active}, CombinedActive},
		{"on-hold over completed", []*Request{completed, onHold}, CombinedOnHold},
		{"completed over declined", []*Request{declined, completed}, CombinedCompleted},
		{"completed over expired", []*Request{expired, completed}, CombinedCompleted},
		{"declined over cancelled", []*Request{cancelled, declined}, CombinedDeclined},
		{"cancelled over expired", []*Request{expired, cancelled}, CombinedCancelled},
		{"all expired", []*Request{expired, expired}, CombinedExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prescriptionStatusAt(tt.requests, days, statusNow); got != tt.want {
				t.Errorf("prescriptionStatusAt() = %q, want %q", got, tt.want)
			}
		})
	}
}
