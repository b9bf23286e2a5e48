// Package config loads wsbridge configuration files.
//
// The configuration lives in wsbridge.json, wsbridge.toml or wsbridge.yaml
// at the project root. All three share one schema; the format is chosen by
// file extension. Durations are Go duration strings.
//
// # Configuration File Structure
//
//	{
//	  "host": "127.0.0.1",
//	  "port": 30000,
//	  "maxPortAttempts": 50,
//	  "static": "public",
//	  "session": {
//	    "reconnectGrace": "1s",
//	    "throttle": "100ms",
//	    "queryAttempts": 5,
//	    "queryTimeout": "10s",
//	    "pullThreshold": 0
//	  },
//	  "transport": {
//	    "path": "/ws",
//	    "maxBufferedBytes": 1048576,
//	    "writeTimeout": "10s"
//	  },
//	  "metrics": { "path": "/metrics" },
//	  "log": { "level": "info", "format": "text" }
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sc, err := cfg.ServerConfig()
package config
