package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseContentDate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{
			name:    "marker with bracketed date",
			content: "Ref No. and Date: (3) 20240115 issued by the office",
			want:    "20240115",
			ok:      true,
		},
		{
			name:    "marker but no date pattern",
			content: "Ref No. and Date: pending",
			ok:      false,
		},
		{
			name:    "date pattern without marker",
			content: "see attachment (3) 20240115",
			ok:      false,
		},
		{
			name:    "first of several dates wins",
			content: "Ref No. and Date: (1) 20230101 superseded (2) 20240101",
			want:    "20230101",
			ok:      true,
		},
		{
			name:    "empty content",
			content: "",
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseContentDate(tt.content, DefaultTimestampMarker)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractTimestampFallsBackToToday(t *testing.T) {
	got := ExtractTimestamp("no dates here", DefaultTimestampMarker)
	assert.Equal(t, time.Now().Format("20060102"), got)
}

func TestExtractTimestampPrefersContentDate(t *testing.T) {
	got := ExtractTimestamp("Ref No. and Date: (7) 20220830", DefaultTimestampMarker)
	assert.Equal(t, "20220830", got)
}
