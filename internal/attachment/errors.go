package attachment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnresolved matches every *ResolutionFailure.
	ErrUnresolved = errors.New("attachment unresolved")
	// ErrNoAttachment is returned when there is no attachment id to resolve.
	ErrNoAttachment = errors.New("no attachment id")
)

// ResolutionFailure reports that every candidate strategy was exhausted.
// Callers treat it as non-fatal and render without the image.
type ResolutionFailure struct {
	ID       string
	Class    Class
	Attempts int
	// LastStatus holds the last HTTP status observed per endpoint family
	// (0 when the request never produced a response).
	LastStatus map[string]int
	Err        error
}

func (f *ResolutionFailure) Error() string {
	families := make([]string, 0, len(f.LastStatus))
	for fam := range f.LastStatus {
		families = append(families, fam)
	}
	sort.Strings(families)
	parts := make([]string, len(families))
	for i, fam := range families {
		parts[i] = fmt.Sprintf("%s=%d", fam, f.LastStatus[fam])
	}
	msg := fmt.Sprintf("attachment %q (%s) unresolved after %d attempts [%s]", f.ID, f.Class, f.Attempts, strings.Join(parts, " "))
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ResolutionFailure) Unwrap() error { return f.Err }

func (f *ResolutionFailure) Is(target error) bool { return target == ErrUnresolved }
