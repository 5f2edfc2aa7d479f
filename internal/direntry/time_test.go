package direntry

import (
	"reflect"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	type args struct {
		input uint16
	}
	tests := []struct {
		name string
		args args
		want time.Time
	}{
		{
			name: "zero date is invalid",
			args: args{input: 0},
			want: time.Time{},
		},
		{
			name: "1.1.1980",
			args: args{input: 1<<5 | 1},
			want: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "24.12.2020",
			args: args{input: 40<<9 | 12<<5 | 24},
			want: time.Date(2020, 12, 24, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month 0 is invalid",
			args: args{input: 40<<9 | 24},
			want: time.Time{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDate(tt.args.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	type args struct {
		input uint16
	}
	tests := []struct {
		name string
		args args
		want time.Time
	}{
		{
			name: "midnight",
			args: args{input: 0},
			want: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "13:37:42",
			args: args{input: 13<<11 | 37<<5 | 21},
			want: time.Date(1, 1, 1, 13, 37, 42, 0, time.UTC),
		},
		{
			name: "overflowing hours are capped",
			args: args{input: 31<<11 | 59<<5 | 29},
			want: time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseTime(tt.args.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDateTime(t *testing.T) {
	tests := []struct {
		name  string
		input time.Time
		want  time.Time
	}{
		{
			name:  "odd seconds and milliseconds are kept by the tenth",
			input: time.Date(2021, 3, 14, 15, 9, 27, 530*int(time.Millisecond), time.UTC),
			want:  time.Date(2021, 3, 14, 15, 9, 27, 530*int(time.Millisecond), time.UTC),
		},
		{
			name:  "before 1980 is clamped",
			input: time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			want:  time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "other time zones are stored as UTC",
			input: time.Date(2021, 3, 14, 16, 0, 0, 0, time.FixedZone("CET", 3600)),
			want:  time.Date(2021, 3, 14, 15, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, clock, tenth := EncodeDateTime(tt.input)
			if got := DateTime(date, clock, tenth); !got.Equal(tt.want) {
				t.Errorf("DateTime(EncodeDateTime()) = %v, want %v", got, tt.want)
			}
		})
	}
}
