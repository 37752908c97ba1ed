package scanner

import (
	"context"
	"fmt"
	"io"
	"time"
)

// fixtures are the findings each known scanner reports in mock mode.
var fixtures = map[string]string{
	"secret_scanner": `[
		{"type":"secret","severity":"high","description":"API key found in environment file","location":{"file":".env","line":5},"metadata":{"pattern":"API_KEY=","value_masked":"sk-***"}},
		{"type":"secret","severity":"medium","description":"Database password in configuration","location":{"file":"config/database.js","line":12},"metadata":{"pattern":"password:","value_masked":"***"}}
	]`,
	"sast_scanner": `[
		{"type":"sast","severity":"critical","description":"SQL injection vulnerability detected","location":{"file":"src/controllers/user.js","line":45},"metadata":{"cwe":"CWE-89","confidence":"high"}}
	]`,
	"llm_scanner": `[
		{"type":"llm","severity":"medium","description":"Potential authentication bypass in login logic","location":{"file":"src/auth/login.js","line":23},"metadata":{"reasoning":"LLM detected weak authentication flow","confidence":"medium"}}
	]`,
	"dast_scanner": `[
		{"type":"dast","severity":"high","description":"XSS vulnerability in user input field","location":{"endpoint":"/api/users","method":"POST"},"metadata":{"payload":"<script>alert(1)</script>","response_code":200}}
	]`,
}

// MockRunner replays a scripted event sequence without touching the
// network. Lines go through the same decoder as live scanner streams.
type MockRunner struct {
	Delay time.Duration
}

func NewMockRunner(delay time.Duration) *MockRunner {
	return &MockRunner{Delay: delay}
}

// Script returns the raw event lines replayed for a scanner id.
func Script(scannerID string) [][]byte {
	const steps = 4
	lines := [][]byte{
		[]byte(fmt.Sprintf(`{"progress":20,"message":"Running %s..."}`, scannerID)),
	}
	for i := 1; i <= steps; i++ {
		progress := 20 + 70*i/steps
		lines = append(lines, []byte(fmt.Sprintf(`{"progress":%d,"message":"Analyzing part %d of %d..."}`, progress, i, steps)))
	}
	vulns, ok := fixtures[scannerID]
	if !ok {
		vulns = "[]"
	}
	lines = append(lines, []byte(`{"progress":95,"message":"Finalizing and saving results...","vulnerabilities":`+vulns+`}`))
	return lines
}

func (m *MockRunner) Run(ctx context.Context, req Request, handle Handler) error {
	src := &scriptSource{lines: Script(req.Scanner.ID), delay: m.Delay, ctx: ctx}
	return replayLines(ctx, src, NormalizerFor(DialectLegacy), req.Scanner.ID, handle)
}

type scriptSource struct {
	ctx   context.Context
	lines [][]byte
	delay time.Duration
	next  int
}

func (s *scriptSource) Next() ([]byte, error) {
	if s.next >= len(s.lines) {
		return nil, io.EOF
	}
	if s.delay > 0 && s.next > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		case <-t.C:
		}
	}
	line := s.lines[s.next]
	s.next++
	return line, nil
}
