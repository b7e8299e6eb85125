package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Expr {
	e, err := ParseCondition(src)
	require.NoError(t, err, "condition %q", src)
	return e
}

func TestEmptyConditionAlwaysMatches(t *testing.T) {
	e := mustParse(t, "")
	assert.True(t, e.Eval(map[string]interface{}{}))
	assert.True(t, e.Eval(map[string]interface{}{"client.round": 3}))
}

func TestComparisons(t *testing.T) {
	scope := map[string]interface{}{
		"client.round":            2,
		"client.state":            "round2_waiting_responses",
		"client.manual_hold":      false,
		"client.payment_attempts": 1,
		"payload.amount_minor":    float64(29800),
	}

	cases := []struct {
		cond string
		want bool
	}{
		{`client.round == 2`, true},
		{`client.round != 2`, false},
		{`client.round >= 2`, true},
		{`client.round > 2`, false},
		{`client.round < 3`, true},
		{`client.state == "round2_waiting_responses"`, true},
		{`client.state contains "waiting"`, true},
		{`client.state contains "resolved"`, false},
		{`client.manual_hold == false`, true},
		{`payload.amount_minor > 10000`, true},
		{`client.round in [1, 2, 3]`, true},
		{`client.round in [4, 5]`, false},
		{`client.state in ["resolved", "round2_waiting_responses"]`, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mustParse(t, tc.cond).Eval(scope), "cond %q", tc.cond)
	}
}

func TestBooleanCombinators(t *testing.T) {
	scope := map[string]interface{}{
		"client.round":       3,
		"client.manual_hold": false,
	}

	assert.True(t, mustParse(t, `client.round >= 2 and client.manual_hold == false`).Eval(scope))
	assert.False(t, mustParse(t, `client.round >= 2 and client.manual_hold == true`).Eval(scope))
	assert.True(t, mustParse(t, `client.round == 1 or client.round == 3`).Eval(scope))

	// and binds tighter than or.
	assert.True(t, mustParse(t,
		`client.round == 1 and client.manual_hold == true or client.round == 3`).Eval(scope))
	assert.False(t, mustParse(t,
		`client.round == 1 and (client.manual_hold == true or client.round == 3)`).Eval(scope))
}

func TestUnknownFieldIsFalse(t *testing.T) {
	scope := map[string]interface{}{"client.round": 2}

	assert.False(t, mustParse(t, `client.nonexistent == 2`).Eval(scope))
	// A false term must not poison a disjunction.
	assert.True(t, mustParse(t, `client.nonexistent == 2 or client.round == 2`).Eval(scope))
}

func TestTypeMismatchIsFalse(t *testing.T) {
	scope := map[string]interface{}{"client.state": "active"}
	assert.False(t, mustParse(t, `client.state > 5`).Eval(scope))
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		`client.round ==`,
		`client.round == 2 and`,
		`(client.round == 2`,
		`client.round ~ 2`,
		`client.round in 2`,
		`and client.round == 2`,
	}
	for _, src := range bad {
		_, err := ParseCondition(src)
		assert.Error(t, err, "condition %q should not parse", src)
	}
}

func TestStringQuoting(t *testing.T) {
	scope := map[string]interface{}{"payload.bureau": "equifax"}
	assert.True(t, mustParse(t, `payload.bureau == 'equifax'`).Eval(scope))
	assert.True(t, mustParse(t, `payload.bureau == "equifax"`).Eval(scope))
}
