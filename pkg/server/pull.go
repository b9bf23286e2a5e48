package server

import (
	"github.com/google/uuid"

	"github.com/vango-dev/wsbridge/pkg/protocol"
)

// pullPrefix is the HTTP path under which stashed payloads are served.
const pullPrefix = "/pull/"

// pullNotice replaces a text payload above PullThreshold with a pull
// notice and stashes the payload until the peer fetches it once over
// HTTP. It returns the data to send and the stash id, if any.
func (s *Server) pullNotice(data []byte) ([]byte, string, error) {
	if s.config.PullThreshold <= 0 || len(data) <= s.config.PullThreshold {
		return data, "", nil
	}

	id := uuid.NewString()
	notice, err := protocol.EncodePull(id, len(data))
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.pulls[id] = data
	s.mu.Unlock()

	s.logger.Debug("payload moved to pull", "id", id, "size", len(data))
	return notice, id, nil
}

// takePull removes and returns a stashed payload.
func (s *Server) takePull(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pulls[id]
	delete(s.pulls, id)
	return data, ok
}

// PendingPulls returns the number of payloads waiting to be fetched.
func (s *Server) PendingPulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulls)
}
