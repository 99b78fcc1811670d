package model

import "fmt"

// State is a step of the turn-exchange protocol.
type State string

const (
	StateIdle                        State = "idle"
	StateLoggingIn                   State = "logging_in"
	StateDiscovering                 State = "discovering"
	StateAwaitingDownloadConfirm     State = "awaiting_download_confirm"
	StateDownloading                 State = "downloading"
	StateAwaitingDeleteConfirm       State = "awaiting_delete_confirm"
	StateDeleting                    State = "deleting"
	StateStaging                     State = "staging"
	StateAwaitingUploadConfirm       State = "awaiting_upload_confirm"
	StateArchiving                   State = "archiving"
	StateUploading                   State = "uploading"
	StateAwaitingPlayerUploadConfirm State = "awaiting_player_upload_confirm"
	StateUploadingPlayerFile         State = "uploading_player_file"
	StateFailed                      State = "failed"
)

// Outcome is how a command that did not fail ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeNothingToDo Outcome = "nothing_to_do"
	OutcomeFailed      Outcome = "failed"
)

// Any state may move to failed; failed and every finishing state return to idle.
var validStateTransitions = map[State]map[State]bool{
	StateIdle: {
		StateLoggingIn:                   true,
		StateDiscovering:                 true,
		StateAwaitingUploadConfirm:       true,
		StateAwaitingPlayerUploadConfirm: true,
	},
	StateLoggingIn: {
		StateIdle: true,
	},
	StateDiscovering: {
		StateAwaitingDownloadConfirm: true,
		StateDownloading:             true,
		StateIdle:                    true, // nothing to download
	},
	StateAwaitingDownloadConfirm: {
		StateDownloading: true,
		StateIdle:        true, // declined
	},
	StateDownloading: {
		StateAwaitingDeleteConfirm: true,
		StateStaging:               true, // player download has no delete step
	},
	StateAwaitingDeleteConfirm: {
		StateDeleting: true,
		StateStaging:  true, // declined: keep remote files, still stage locally
	},
	StateDeleting: {
		StateStaging: true,
	},
	StateStaging: {
		StateIdle: true,
	},
	StateAwaitingUploadConfirm: {
		StateArchiving: true,
		StateIdle:      true, // declined
	},
	StateArchiving: {
		StateUploading: true,
	},
	StateUploading: {
		StateAwaitingPlayerUploadConfirm: true,
	},
	StateAwaitingPlayerUploadConfirm: {
		StateUploadingPlayerFile: true,
		StateIdle:                true, // declined or no player file
	},
	StateUploadingPlayerFile: {
		StateIdle: true,
	},
	StateFailed: {
		StateIdle: true,
	},
}

func ValidateTransition(from, to State) error {
	if to == StateFailed && from != StateFailed {
		return nil
	}
	allowed, ok := validStateTransitions[from]
	if !ok {
		return fmt.Errorf("unknown protocol state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid protocol transition: %q → %q", from, to)
	}
	return nil
}

// IsAwaitingConfirmation reports whether the protocol is blocked on the foreground.
func IsAwaitingConfirmation(s State) bool {
	switch s {
	case StateAwaitingDownloadConfirm, StateAwaitingDeleteConfirm,
		StateAwaitingUploadConfirm, StateAwaitingPlayerUploadConfirm:
		return true
	}
	return false
}
