package receiver

import (
	"errors"
	"testing"

	"github.com/infodancer/mxd/internal/testutil"
)

func TestOwner(t *testing.T) {
	tests := []struct {
		name        string
		deliveredTo []string
		want        string
		wantErr     error
	}{
		{"single", []string{"abc123@deliver.local"}, "abc123", nil},
		{"topmost wins", []string{"abc123@deliver.local", "other@deliver.local"}, "abc123", nil},
		{"angle brackets", []string{"<abc123@deliver.local>"}, "abc123", nil},
		{"missing", nil, "", ErrNoOwner},
		{"no local part", []string{"@deliver.local"}, "", ErrNoOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testutil.DefaultMessage("ignored")
			msg.DeliveredTo = tt.deliveredTo

			got, err := Owner(msg.Bytes())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Owner: %v", err)
			}
			if got != tt.want {
				t.Errorf("Owner = %q, want %q", got, tt.want)
			}
		})
	}
}
