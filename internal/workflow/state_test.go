package workflow

import (
	"errors"
	"testing"

	"github.com/bdougie/visionsearch/internal/models"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"idle to file selected", StateIdle, StateFileSelected, false},
		{"file selected to uploading", StateFileSelected, StateUploading, false},
		{"uploading to index ready", StateUploading, StateIndexReady, false},
		{"uploading to error", StateUploading, StateError, false},
		{"index ready to searching", StateIndexReady, StateSearching, false},
		{"searching to rendering", StateSearching, StateRendering, false},
		{"rendering to rendered", StateRendering, StateRendered, false},
		{"rendered to searching", StateRendered, StateSearching, false},
		{"error to searching", StateError, StateSearching, false},
		{"idle to uploading", StateIdle, StateUploading, true},
		{"idle to searching", StateIdle, StateSearching, true},
		{"uploading to uploading", StateUploading, StateUploading, true},
		{"uploading to searching", StateUploading, StateSearching, true},
		{"file selected to searching", StateFileSelected, StateSearching, true},
		{"index ready to rendered", StateIndexReady, StateRendered, true},
		{"unknown source", State("paused"), StateIdle, true},
		{"unknown target", StateIdle, State("paused"), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestEveryStateCanBeCleared(t *testing.T) {
	t.Parallel()

	for state := range allowedTransitions {
		if err := ValidateTransition(state, StateIdle); err != nil {
			t.Errorf("%s cannot return to idle: %v", state, err)
		}
		if err := ValidateTransition(state, StateFileSelected); err != nil {
			t.Errorf("%s cannot select a new file: %v", state, err)
		}
	}
}

func TestInvalidTransitionIsPrecondition(t *testing.T) {
	t.Parallel()

	err := ValidateTransition(StateIdle, StateSearching)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}
