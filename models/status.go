package models

import "fmt"

// StatusCode is the closed numeric error taxonomy shared with the platform.
// Values are stable across versions.
type StatusCode int

const (
	StatusNone           StatusCode = 0
	StatusUnknown        StatusCode = -1
	StatusGeneric        StatusCode = -80
	StatusDownload       StatusCode = -81
	StatusUnknownFormat  StatusCode = -82
	StatusTimeout        StatusCode = -83
	StatusReadFile       StatusCode = -84
	StatusDRMUnsupported StatusCode = -85
	StatusCorrupted      StatusCode = -86
	StatusLibreOffice    StatusCode = -87
	StatusParams         StatusCode = -88
	StatusNeedParams     StatusCode = -89
	StatusDRM            StatusCode = -90
	StatusPassword       StatusCode = -91
	StatusICU            StatusCode = -92
	StatusLimits         StatusCode = -93
	StatusTemporary      StatusCode = -94
	StatusDetect         StatusCode = -95
	StatusCellLimits     StatusCode = -96
	StatusEditorChanges  StatusCode = -160
)

var statusNames = map[StatusCode]string{
	StatusNone:           "NONE",
	StatusUnknown:        "UNKNOWN",
	StatusGeneric:        "GENERIC",
	StatusDownload:       "DOWNLOAD",
	StatusUnknownFormat:  "UNKNOWN_FORMAT",
	StatusTimeout:        "TIMEOUT",
	StatusReadFile:       "READ_FILE",
	StatusDRMUnsupported: "DRM_UNSUPPORTED",
	StatusCorrupted:      "CORRUPTED",
	StatusLibreOffice:    "LIBREOFFICE",
	StatusParams:         "PARAMS",
	StatusNeedParams:     "NEED_PARAMS",
	StatusDRM:            "DRM",
	StatusPassword:       "PASSWORD",
	StatusICU:            "ICU",
	StatusLimits:         "LIMITS",
	StatusTemporary:      "TEMPORARY",
	StatusDetect:         "DETECT",
	StatusCellLimits:     "CELL_LIMITS",
	StatusEditorChanges:  "EDITOR_CHANGES",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(s))
}

// Engine exit codes are the negated status codes. These are the ones the
// engine reports directly; anything else is GENERIC (or TIMEOUT).
var engineReturnedStatuses = []StatusCode{
	StatusParams,
	StatusNeedParams,
	StatusCorrupted,
	StatusDRM,
	StatusDRMUnsupported,
	StatusPassword,
	StatusLimits,
	StatusDetect,
}

var minorStatuses = []StatusCode{StatusNeedParams, StatusDRM, StatusDRMUnsupported, StatusPassword}

var uploadStatuses = []StatusCode{
	StatusNone,
	StatusCorrupted,
	StatusNeedParams,
	StatusDRM,
	StatusDRMUnsupported,
	StatusPassword,
}

var copyOriginStatuses = []StatusCode{StatusNeedParams, StatusDRM}

func contains(list []StatusCode, s StatusCode) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// IsMinor reports whether s is an expected, recoverable classification.
func (s StatusCode) IsMinor() bool { return contains(minorStatuses, s) }

// ShouldUpload reports whether the result directory is published for s.
func (s StatusCode) ShouldUpload() bool { return contains(uploadStatuses, s) }

// ShouldCopyOrigin reports whether the untouched source is published next to
// the output for s.
func (s StatusCode) ShouldCopyOrigin() bool { return contains(copyOriginStatuses, s) }

// ClassifyExit maps an engine exit to the taxonomy. killed is true when the
// process ended on a signal. A timeout wins over any exit code.
func ClassifyExit(exitCode int, killed bool, timedOut bool) StatusCode {
	if timedOut {
		return StatusTimeout
	}
	if (exitCode == 0 || StatusCode(-exitCode) == StatusCellLimits) && !killed {
		return StatusNone
	}
	if contains(engineReturnedStatuses, StatusCode(-exitCode)) {
		return StatusCode(-exitCode)
	}
	return StatusGeneric
}
