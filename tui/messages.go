package tui

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Command string }

// MsgSessionRestored signals that a stored session was found.
type MsgSessionRestored struct{ User string }

// MsgNotAuthenticated signals that no session is stored.
type MsgNotAuthenticated struct{}

// MsgWorking signals that a server call is in progress.
type MsgWorking struct{ Text string }

// MsgAccessTokenRejected signals that a request got a 401.
type MsgAccessTokenRejected struct {
	Method string
	Path   string
}

// MsgRefreshing signals that a token refresh call started.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the access token was renewed.
type MsgRefreshOK struct{}

// MsgSessionExpired signals that the session ended and sign-in is required.
type MsgSessionExpired struct{}

// MsgStorageFailed signals that credentials could not be persisted.
type MsgStorageFailed struct{ Err error }

// MsgResult carries the formatted outcome of the command.
type MsgResult struct {
	Title string
	Lines []string
}

// MsgFatal signals that the command failed.
type MsgFatal struct{ Text string }
