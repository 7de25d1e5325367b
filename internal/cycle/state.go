package cycle

// State is a step of the upload cycle. A cycle moves through the states in
// declaration order and ends in Done or Failed.
type State int

const (
	Start State = iota
	Reading
	Compressing
	ExtractingMetadata
	Uploading
	Persisting
	Done
	Failed
)

var stateNames = [...]string{
	Start:              "start",
	Reading:            "reading",
	Compressing:        "compressing",
	ExtractingMetadata: "extracting-metadata",
	Uploading:          "uploading",
	Persisting:         "persisting",
	Done:               "done",
	Failed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
