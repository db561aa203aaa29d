package tui

import "time"

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgCredentialsFound signals that stored credentials were found for a profile.
type MsgCredentialsFound struct{ Profile string }

// MsgCredentialsNotFound signals that no session is stored.
type MsgCredentialsNotFound struct{}

// MsgLoggingIn signals that the identity token is being exchanged.
type MsgLoggingIn struct{}

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ User string }

type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgLoading signals that a page fetch started.
type MsgLoading struct {
	Kind string
	Page int
}

// MsgPageLoaded signals that a page arrived.
type MsgPageLoaded struct {
	Kind    string
	Page    int
	Count   int
	Total   int
	HasMore bool
}

// MsgNeedsInitialSetup signals an account with no budgets yet.
type MsgNeedsInitialSetup struct{}

// MsgSessionExpired signals that the server ended the session.
type MsgSessionExpired struct{ Err error }

type MsgLoggedOut struct{}

// MsgDone signals successful completion of the command.
type MsgDone struct {
	Summary string
	Elapsed time.Duration
}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
