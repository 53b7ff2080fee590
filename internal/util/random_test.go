package util

import (
	"testing"
	"time"
)

func TestJitter(t *testing.T) {
	tests := []struct {
		name     string
		min, max time.Duration
		f        float64
		want     time.Duration
	}{
		{"lower bound", 2 * time.Second, 5 * time.Second, 0, 2 * time.Second},
		{"midpoint", 2 * time.Second, 5 * time.Second, 0.5, 3500 * time.Millisecond},
		{"never reaches max", 2 * time.Second, 5 * time.Second, 0.9999999999999999, 5*time.Second - 1},
		{"empty window", 3 * time.Second, 3 * time.Second, 0.7, 3 * time.Second},
		{"inverted window", 5 * time.Second, 2 * time.Second, 0.7, 5 * time.Second},
		{"negative input clamped", time.Second, 2 * time.Second, -1, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jitter(tt.min, tt.max, tt.f); got != tt.want {
				t.Errorf("Jitter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRandomDurationInRange(t *testing.T) {
	min, max := 2*time.Second, 5*time.Second
	for i := 0; i < 1000; i++ {
		d := RandomDuration(min, max)
		if d < min || d >= max {
			t.Fatalf("RandomDuration() = %v, outside [%v, %v)", d, min, max)
		}
	}
}
