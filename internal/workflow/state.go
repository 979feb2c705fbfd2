package workflow

import (
	"fmt"

	"github.com/bdougie/visionsearch/internal/models"
)

type State string

const (
	StateIdle         State = "idle"
	StateFileSelected State = "file_selected"
	StateUploading    State = "uploading"
	StateIndexReady   State = "index_ready"
	StateSearching    State = "searching"
	StateRendering    State = "rendering"
	StateRendered     State = "rendered"
	StateError        State = "error"
)

// Step texts shown to the user
const (
	StepFileSelected      = "File selected"
	StepUploading         = "Uploading..."
	StepFetchingLabels    = "Fetching annotations..."
	StepLabelsFetched     = "Annotations fetched"
	StepSearching         = "Searching annotation..."
	StepGeneratingImages  = "Generating annotated images..."
	StepImagesGenerated   = "Annotated images generated"
	StepGeneratingVideo   = "Generating annotated video..."
	StepVideoGenerated    = "Annotated video generated"
	StepUploadFailed      = "Error during upload"
	StepSearchFailed      = "Error searching annotation"
	StepNothingToGenerate = "No matching detections"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateIdle:         {},
		StateFileSelected: {},
	},
	StateFileSelected: {
		StateIdle:         {},
		StateFileSelected: {},
		StateUploading:    {},
	},
	StateUploading: {
		StateIdle:         {},
		StateFileSelected: {},
		StateIndexReady:   {},
		StateError:        {},
	},
	StateIndexReady: {
		StateIdle:         {},
		StateFileSelected: {},
		StateUploading:    {},
		StateSearching:    {},
	},
	StateSearching: {
		StateIdle:         {},
		StateFileSelected: {},
		StateSearching:    {},
		StateRendering:    {},
		StateError:        {},
	},
	StateRendering: {
		StateIdle:         {},
		StateFileSelected: {},
		StateSearching:    {},
		StateRendered:     {},
		StateError:        {},
	},
	StateRendered: {
		StateIdle:         {},
		StateFileSelected: {},
		StateUploading:    {},
		StateSearching:    {},
		StateRendered:     {},
		StateError:        {},
	},
	StateError: {
		StateIdle:         {},
		StateFileSelected: {},
		StateUploading:    {},
		StateSearching:    {},
		StateRendered:     {},
		StateError:        {},
	},
}

// ErrInvalidTransition is returned for operations the current state does
// not allow. It is a precondition failure, not a workflow error.
var ErrInvalidTransition = fmt.Errorf("%w: invalid transition", models.ErrPrecondition)

func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("invalid workflow state: %q", state)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
