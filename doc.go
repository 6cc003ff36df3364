// Package pairxfer starts short-lived file transfer servers for paired
// devices.
//
// # Overview
//
// Two variants share one controller, [Bootstrap]:
//   - [AnonymousServer] serves FTP with the fixed identity "anonymous" and
//     an empty password.
//   - [AuthenticatedServer] serves SFTP with a username and password
//     derived from the pairing shared secret (see package credential).
//     Only password authentication is accepted.
//
// Start scans a fixed port range in ascending order and serves on the
// first port where the listener can be built and started. The returned
// [StartOutcome] either carries the [ServerInfo] to relay to the paired
// device or names the most actionable failure seen across all ports.
//
// # Basic Usage
//
//	srv, err := pairxfer.NewAuthenticatedServer("/srv/shared", hostKey,
//	    pairxfer.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	out := srv.Start(ctx, sharedSecret, "Pixel 8")
//	switch out.Kind {
//	case pairxfer.OutcomeSuccess, pairxfer.OutcomeAlreadyRunning:
//	    relay(out.Info)
//	case pairxfer.OutcomePermissionDenied:
//	    askForPermission()
//	default:
//	    log.Printf("transfer server failed: %v", out.Err)
//	}
//	defer srv.Stop()
//
// # Ports and Failures
//
// Every port attempt that fails is classified as a bind conflict, a
// permission problem, a configuration problem or a generic failure. After
// the range is exhausted the outcome is reported with a fixed precedence:
// permission denied, then configuration error, then port in use, then
// failed. Each attempt runs under its own timeout; an attempt that
// finishes after its timeout is shut down in the background.
//
// # Lifecycle
//
// Start and Stop on one controller are serialized. Calling Start while
// the server runs returns [OutcomeAlreadyRunning] with the same info.
// Stop is idempotent and never fails; shutdown errors are logged.
package pairxfer
