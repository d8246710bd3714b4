package worldmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssess(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		name      string
		action    string
		dangerous bool
	}{
		{"plain navigation", "click the next page button", false},
		{"search", "click Search", false},
		{"delete", "click the Delete Account button", true},
		{"purchase", "click Buy Now to confirm purchase", true},
		{"logout", "click Sign Out", true},
		{"neutral unknown", "click the widget", false},
		{"case insensitive", "CLICK UNSUBSCRIBE", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Assess(tc.action)
			assert.Equal(t, tc.dangerous, got.Dangerous, "risk=%v indicators=%v", got.Risk, got.Indicators)
		})
	}
}

func TestAssessRiskBounds(t *testing.T) {
	c := NewClassifier()

	worst := c.Assess("delete remove block report pay purchase")
	assert.Equal(t, 1.0, worst.Risk)
	assert.True(t, worst.Dangerous)
	assert.NotEmpty(t, worst.Indicators)

	best := c.Assess("search next view profile back")
	assert.Equal(t, 0.0, best.Risk)
	assert.False(t, best.Dangerous)
}
