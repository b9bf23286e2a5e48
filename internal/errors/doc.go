// Package errors provides coded, actionable errors for the wsbridge CLI.
//
// Every failure the command line reports carries a code (e.g. "W001") that
// maps to a short message, a longer explanation and, where one exists, a
// hint on how to fix it.
//
// # Error Categories
//
//   - config: configuration files and values
//   - server: listener and session failures
//   - cli: flags and arguments
//
// # Usage
//
//	err := errors.New("W001").
//	    WithDetail("No wsbridge.json in /srv/app").
//	    WithSuggestion("Pass --config or create wsbridge.json")
//
//	errors.Fprint(os.Stderr, err)
//	// ERROR W001: Config file not found
//	//
//	//   No wsbridge.json in /srv/app
//	//
//	//   Hint: Pass --config or create wsbridge.json
//
// Colors are used only when the destination is a terminal and NO_COLOR is
// unset.
package errors
