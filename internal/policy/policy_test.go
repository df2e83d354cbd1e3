package policy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func clockAt(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2025, 3, 12, hour, 15, 0, 0, time.UTC)
	}
}

func TestEvaluateHighRiskAlwaysDenies(t *testing.T) {
	for _, hour := range []int{3, 12, 23} {
		e := NewEngine(nil, WithClock(clockAt(hour)))
		for _, score := range []int{70, 85, 100} {
			res := e.Evaluate("root", "auth.login", Input{RiskScore: score})
			if res.Decision != DecisionDeny {
				t.Fatalf("hour=%d score=%d: decision=%s, want deny", hour, score, res.Decision)
			}
		}
	}
}

func TestEvaluateMediumRiskChallenges(t *testing.T) {
	e := NewEngine(nil, WithClock(clockAt(11)))
	for _, score := range []int{40, 55, 69} {
		res := e.Evaluate("root", "auth.login", Input{RiskScore: score})
		if res.Decision != DecisionChallenge {
			t.Fatalf("score=%d: decision=%s, want challenge", score, res.Decision)
		}
		if len(res.Rules) != 1 || res.Rules[0] != RuleMediumRiskScore {
			t.Fatalf("score=%d: rules=%v", score, res.Rules)
		}
	}
}

func TestEvaluateLowRiskAllows(t *testing.T) {
	e := NewEngine(nil, WithClock(clockAt(9)))
	res := e.Evaluate("root", "auth.login", Input{RiskScore: 10})
	if res.Decision != DecisionAllow {
		t.Fatalf("decision=%s, want allow", res.Decision)
	}
	if len(res.Rules) != 0 {
		t.Fatalf("unexpected rules: %v", res.Rules)
	}
	if res.Evidence["risk_score"] != 10 {
		t.Fatalf("evidence missing risk score: %v", res.Evidence)
	}
}

func TestEvaluateAfterHoursAccumulates(t *testing.T) {
	e := NewEngine(nil, WithClock(clockAt(23)))

	res := e.Evaluate("root", "auth.login", Input{RiskScore: 10})
	if res.Decision != DecisionChallenge {
		t.Fatalf("after-hours low risk: decision=%s, want challenge", res.Decision)
	}
	if len(res.Rules) != 1 || res.Rules[0] != RuleAfterHours {
		t.Fatalf("rules=%v, want [after_hours]", res.Rules)
	}
	if res.Evidence["hour"] != 23 {
		t.Fatalf("evidence hour=%v, want 23", res.Evidence["hour"])
	}

	// Deny must override the tentative challenge, and rule order is fixed.
	res = e.Evaluate("root", "auth.login", Input{RiskScore: 90})
	if res.Decision != DecisionDeny {
		t.Fatalf("after-hours high risk: decision=%s, want deny", res.Decision)
	}
	want := []string{RuleAfterHours, RuleHighRiskScore}
	if len(res.Rules) != len(want) {
		t.Fatalf("rules=%v, want %v", res.Rules, want)
	}
	for i := range want {
		if res.Rules[i] != want[i] {
			t.Fatalf("rules=%v, want %v", res.Rules, want)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	e := NewEngine(nil, WithClock(clockAt(2)))
	a := e.Evaluate("root", "registration.approve", Input{RiskScore: 45})
	b := e.Evaluate("root", "registration.approve", Input{RiskScore: 45})
	if a.Decision != b.Decision || len(a.Rules) != len(b.Rules) {
		t.Fatalf("evaluation not deterministic: %v vs %v", a, b)
	}
}

func TestRecordPersistsDecision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into policy_decisions").
		WithArgs(sqlmock.AnyArg(), "root", "auth.login", "challenge",
			"after_hours,medium_risk_score", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e := NewEngine(NewPGStore(db), WithClock(clockAt(23)))
	res := e.Evaluate("root", "auth.login", Input{RiskScore: 50})
	if err := e.Record(context.Background(), "root", "auth.login", res); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveDecisionRejectsUnmarshalableEvidence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rec := &DecisionRecord{
		Actor:    "root",
		Action:   "auth.login",
		Decision: DecisionAllow,
		Evidence: map[string]any{"bad": make(chan int)},
	}
	if err := NewPGStore(db).SaveDecision(context.Background(), rec); err == nil {
		t.Fatal("SaveDecision accepted evidence that cannot be encoded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
