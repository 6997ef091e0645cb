package timectrl

import (
	"errors"
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "00:00:00", want: 0},
		{in: "07:00:00", want: 7 * time.Hour},
		{in: "07:15:30.25", want: 7*time.Hour + 15*time.Minute + 30250*time.Millisecond},
		{in: "25:00:00", want: 25 * time.Hour},
		{in: "7:00", wantErr: true},
		{in: "07:61:00", wantErr: true},
		{in: "07:00:60", wantErr: true},
		{in: "aa:00:00", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTime(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTime) {
					t.Fatalf("ParseTime(%q) error = %v, want ErrInvalidTime", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTime(%q) error = %v", tc.in, err)
			}
			if time.Duration(got) != tc.want {
				t.Fatalf("ParseTime(%q) = %v, want %v", tc.in, time.Duration(got), tc.want)
			}
		})
	}
}

func TestTimeString(t *testing.T) {
	t.Parallel()

	cases := map[string]Time{
		"07:00:00.00": MustParseTime("07:00:00"),
		"07:17:44.23": MustParseTime("07:17:44.23"),
		"07:01:00.00": MustParseTime("07:00:59.999"),
	}
	for want, in := range cases {
		if got := in.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestDtDuration(t *testing.T) {
	t.Parallel()

	dt := Dt{Days: 1, Hours: 2, Minutes: 3, Seconds: 4.5}
	want := 26*time.Hour + 3*time.Minute + 4500*time.Millisecond
	if got := dt.Duration(); got != want {
		t.Fatalf("Duration() = %v, want %v", got, want)
	}
	if got := (Dt{Seconds: 10}).Mul(6); got != time.Minute {
		t.Fatalf("Mul(6) = %v, want 1m", got)
	}
}
