package memchase

import "testing"

func TestFitChunkSize(t *testing.T) {
	tests := []struct{ cycle, req, want int }{
		{4, 2, 2},
		{8, 16, 8},    // short cycles collapse to one chunk
		{1024, 100, 128},
		{1024, 3, 4},
		{7, 2, 1},
		{256, 256, 256},
	}
	for _, tt := range tests {
		if got := fitChunkSize(tt.cycle, tt.req); got != tt.want {
			t.Errorf("fitChunkSize(%d, %d) = %d, want %d", tt.cycle, tt.req, got, tt.want)
		}
	}
}
