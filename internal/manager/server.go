// Package manager wires the Worker<->manager wire protocol (spec §6) to
// the Scheduler: one goroutine per worker connection, translating
// RequestWork/Heartbeat/TestRunResult messages into Scheduler calls and
// CheckOutTest results back into WorkTest/NoWork replies. ArtifactUploaded
// messages are accepted and ignored; nothing records them on the run.
// Grounded on AMD-AGI-Primus-SaFE's per-connection websocket
// handler goroutine shape, generalized from a one-directional log stream
// to this protocol's request/response loop.
package manager

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattsgit/test-looper/internal/objdb"
	"github.com/mattsgit/test-looper/internal/resolver"
	"github.com/mattsgit/test-looper/internal/scheduler"
	"github.com/mattsgit/test-looper/internal/wire"
)

// Server accepts worker connections and dispatches their messages to a
// Scheduler.
type Server struct {
	scheduler *scheduler.Scheduler
	resolver  *resolver.Resolver
	log       *logrus.Entry

	// ReadTimeout bounds how long a worker's connection may sit idle
	// before it is presumed dead and closed, independent of the
	// heartbeat-eviction sweep that reclaims its in-flight run.
	ReadTimeout time.Duration
}

func New(s *scheduler.Scheduler, res *resolver.Resolver, log *logrus.Entry) *Server {
	return &Server{
		scheduler:   s,
		resolver:    res,
		log:         log.WithField("component", "manager"),
		ReadTimeout: 30 * time.Second,
	}
}

// ServeHTTP upgrades the request to a worker connection and runs its
// session until the connection closes or errors.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wire.Accept(w, r)
	if err != nil {
		s.log.WithError(err).Warn("failed to accept worker connection")
		return
	}
	defer conn.Close()

	sess, err := s.handshake(conn)
	if err != nil {
		s.log.WithError(err).Warn("worker handshake failed")
		return
	}
	sess.run()
}

// session is one worker's live connection, after a successful handshake.
type session struct {
	*Server
	conn     *wire.Conn
	machine  objdb.MachineID
	category objdb.CategoryID
}

func (s *Server) handshake(conn *wire.Conn) (*session, error) {
	msg, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Kind != wire.KindHandshake || msg.Handshake == nil {
		return nil, conn.Send(wire.Message{Kind: wire.KindHandshakeResult, HandshakeResult: &wire.HandshakeResult{Accepted: false}})
	}
	hs := msg.Handshake
	if hs.ProtocolVersion != wire.ProtocolVersion {
		_ = conn.Send(wire.Message{Kind: wire.KindHandshakeResult, HandshakeResult: &wire.HandshakeResult{Accepted: false, ProtocolMismatch: true}})
		return nil, fmt.Errorf("manager: protocol mismatch from machine %s (got %d, want %d)", hs.MachineID, hs.ProtocolVersion, wire.ProtocolVersion)
	}

	machineID := objdb.MachineID(hs.MachineID)
	if err := s.scheduler.RegisterMachine(machineID, hs.Hardware, hs.OS, time.Now()); err != nil {
		return nil, err
	}
	if err := conn.Send(wire.Message{Kind: wire.KindHandshakeResult, HandshakeResult: &wire.HandshakeResult{Accepted: true}}); err != nil {
		return nil, err
	}

	return &session{
		Server:   s,
		conn:     conn,
		machine:  machineID,
		category: objdb.CategoryID{Hardware: hs.Hardware, OS: hs.OS},
	}, nil
}

func (sess *session) run() {
	for {
		_ = sess.conn.SetReadDeadline(sess.ReadTimeout)
		msg, err := sess.conn.Receive()
		if err != nil {
			sess.log.WithField("machine", sess.machine).WithError(err).Debug("worker connection closed")
			return
		}
		if err := sess.handle(msg); err != nil {
			sess.log.WithField("machine", sess.machine).WithError(err).Warn("failed to handle worker message")
		}
	}
}

func (sess *session) handle(msg wire.Message) error {
	now := time.Now()
	switch msg.Kind {
	case wire.KindHeartbeat:
		return sess.scheduler.RefreshMachineHeartbeat(sess.machine, now)
	case wire.KindRequestWork:
		return sess.dispatchWork(now)
	case wire.KindArtifactUploaded:
		return nil
	case wire.KindTestRunResult:
		if msg.TestRunResult == nil {
			return nil
		}
		return sess.recordResult(msg.TestRunResult, now)
	default:
		return nil
	}
}

func (sess *session) dispatchWork(now time.Time) error {
	descriptor, err := sess.scheduler.CheckOutTest(sess.machine, sess.category, now)
	if err != nil {
		return err
	}
	if descriptor == nil {
		return sess.conn.Send(wire.Message{Kind: wire.KindNoWork})
	}

	def, ok := sess.resolver.LookupTestDefinition(string(descriptor.Test.ID))
	if !ok {
		return sess.conn.Send(wire.Message{Kind: wire.KindNoWork})
	}

	deps := make([]wire.DependencyRef, 0, len(descriptor.Dependencies))
	for _, d := range descriptor.Dependencies {
		deps = append(deps, wire.DependencyRef{BuildHash: string(d.BuildHash), Name: d.Name, Artifact: d.Artifact})
	}

	return sess.conn.Send(wire.Message{
		Kind: wire.KindWorkTest,
		WorkTest: &wire.WorkTest{
			RunID:        string(descriptor.Run.ID),
			Definition:   toWireDefinition(def),
			Dependencies: deps,
		},
	})
}

func toWireDefinition(def *resolver.ResolvedTestDefinition) wire.TestDefinitionWire {
	stages := make([]wire.StageDescriptor, 0, len(def.Stages))
	for _, st := range def.Stages {
		stages = append(stages, wire.StageDescriptor{Command: st.Command, Cleanup: st.Cleanup, Artifacts: st.Artifacts, Order: st.Order})
	}
	return wire.TestDefinitionWire{
		TestHash:       def.Hash,
		Name:           def.Name,
		IsBuild:        def.Type == resolver.TestTypeBuild,
		Dockerfile:     def.Environment.Image.DockerfileContents,
		AMI:            def.Environment.Image.AMI,
		Variables:      def.Environment.Variables,
		Stages:         stages,
		TimeoutSeconds: int(def.Timeout.Seconds()),
	}
}

func (sess *session) recordResult(result *wire.TestRunResult, now time.Time) error {
	subTests := make(map[string]bool, len(result.IndividualTests))
	hasLog := make(map[string]bool, len(result.IndividualTests))
	for name, sub := range result.IndividualTests {
		subTests[name] = sub.Success
		hasLog[name] = sub.HasLog
	}
	return sess.scheduler.RecordTestResults(objdb.RunID(result.RunID), result.Success, subTests, hasLog, now)
}
