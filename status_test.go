package brevwatch

import (
	"errors"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestClassify(t *testing.T) {
	type testCase struct {
		dsn  string
		want Status
	}
	for _, tc := range []testCase{
		{dsn: "2.0.0", want: StatusDelivered},
		{dsn: "2.6.0", want: StatusDelivered},
		{dsn: "5.1.1", want: StatusHardBounce},
		{dsn: "5.7.1", want: StatusHardBounce},
		{dsn: "4.4.1", want: StatusSoftBounce},
		{dsn: "4.3.0", want: StatusSoftBounce},
		{dsn: "5.2.2", want: StatusSoftBounce},
		{dsn: "", want: StatusUnknown},
		{dsn: "3.0.0", want: StatusUnknown},
		{dsn: "deferred", want: StatusUnknown},
		{dsn: "5.1", want: StatusUnknown},
	} {
		t.Run(tc.dsn, func(t *testing.T) {
			if got := Classify(tc.dsn); got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.dsn, got, tc.want)
			}
		})
	}
}

func TestClassifyCode_MailboxFullOnly(t *testing.T) {
	if got := ClassifyCode(smtp.EnhancedCode{5, 2, 1}); got != StatusHardBounce {
		t.Errorf("5.2.1 should stay a hard bounce, got %s", got)
	}
	if got := ClassifyCode(smtp.EnhancedCode{5, 2, 2}); got != StatusSoftBounce {
		t.Errorf("5.2.2 should be a soft bounce, got %s", got)
	}
}

func TestParseDSN(t *testing.T) {
	type testCase struct {
		in      string
		want    smtp.EnhancedCode
		wantErr bool
	}
	for _, tc := range []testCase{
		{in: "4.3.0", want: smtp.EnhancedCode{4, 3, 0}},
		{in: "5.7.26", want: smtp.EnhancedCode{5, 7, 26}},
		{in: " 2.0.0 ", want: smtp.EnhancedCode{2, 0, 0}},
		{in: "", wantErr: true},
		{in: "4.3", wantErr: true},
		{in: "4..0", wantErr: true},
		{in: "4.3.1000", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "4.-1.0", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDSN(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedDSN) {
					t.Fatalf("expected ErrMalformedDSN, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
