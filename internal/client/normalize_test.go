package client

import (
	"math"
	"testing"
)

func TestClampProgress(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.0001, 1},
		{-0.1, 0},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := clampProgress(tt.in); got != tt.want {
			t.Errorf("clampProgress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComputeRatio(t *testing.T) {
	native := 1.25
	if got := computeRatio(&native, 1, 1); got != 1.25 {
		t.Errorf("native ratio = %v, want 1.25", got)
	}
	if got := computeRatio(nil, 30, 10); got != 3 {
		t.Errorf("computed ratio = %v, want 3", got)
	}
	if got := computeRatio(nil, 5, 0); !math.IsInf(got, 1) {
		t.Errorf("ratio with nothing downloaded = %v, want +Inf", got)
	}
	if got := computeRatio(nil, 0, 0); !math.IsNaN(got) {
		t.Errorf("ratio of 0/0 = %v, want NaN", got)
	}
}

func TestCompletedAtFullProgress(t *testing.T) {
	for _, native := range []bool{false, true} {
		if !completed(native, 1) {
			t.Errorf("completed(%v, 1) = false", native)
		}
	}
	if completed(false, 0.99) {
		t.Error("completed(false, 0.99) = true")
	}
}

func TestIsoTime(t *testing.T) {
	if got := *isoTime(1700000000); got != "2023-11-14T22:13:20.000Z" {
		t.Errorf("isoTime() = %s", got)
	}
}

func TestPaginate(t *testing.T) {
	torrents := []Torrent{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	tests := []struct {
		name          string
		offset, limit int
		want          []string
	}{
		{"none", 0, 0, []string{"1", "2", "3"}},
		{"offset", 1, 0, []string{"2", "3"}},
		{"limit", 0, 2, []string{"1", "2"}},
		{"both", 1, 1, []string{"2"}},
		{"past the end", 5, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := paginate(torrents, tt.offset, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d torrents, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestFilterCompleted(t *testing.T) {
	got := filterCompleted([]Torrent{{ID: "1", IsCompleted: true}, {ID: "2"}, {ID: "3", IsCompleted: true}})
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("filterCompleted() = %+v", got)
	}
}
