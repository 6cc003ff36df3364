//go:build !unix && !windows

package failure

func classifyErrno(error) (Kind, bool) {
	return Unknown, false
}
