package eval

import "fmt"

// Status classifies how the execution of one operation terminated.
type Status int

const (
	// not initialized (as error)
	StatusInvalid Status = iota

	// ran to completion with exit status 0
	StatusOK

	// contestant-attributable terminations
	StatusRuntimeError
	StatusTimeLimitExceeded
	StatusMemoryLimitExceeded
	StatusOutputLimitExceeded

	// the sandbox or the machinery around it broke, not the contestant's
	// program
	StatusSandboxError
)

var statusToString = []string{
	"invalid",
	"ok",
	"runtime_error",
	"time_limit_exceeded",
	"memory_limit_exceeded",
	"output_limit_exceeded",
	"sandbox_error",
}

var stringToStatus = make(map[string]Status)

func init() {
	for i, v := range statusToString {
		stringToStatus[v] = Status(i)
	}
}

func (s Status) String() string {
	si := int(s)
	if si < 0 || si >= len(statusToString) {
		return statusToString[0]
	}
	return statusToString[si]
}

// StringToStatus converts a wire name back to a Status.
func StringToStatus(s string) (Status, error) {
	v, ok := stringToStatus[s]
	if !ok {
		return 0, fmt.Errorf("invalid status: %s", s)
	}
	return v, nil
}

// Infrastructure reports whether the status denotes a failure of the
// pipeline rather than of the contestant's program. Infrastructure
// failures are retried by the coordinator; everything else is
// definitive.
func (s Status) Infrastructure() bool {
	return s == StatusSandboxError || s == StatusInvalid
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte("\"" + s.String() + "\""), nil
}

// UnmarshalJSON decodes the status from its string name.
func (s *Status) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid status: %s", b)
	}
	v, err := StringToStatus(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
