// Command call-client is a terminal client for the call service: it joins
// the random queue (or rings a friend directly), drives the WebRTC
// handshake through the signaling gateway, and prints live transcripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"talklink-backend/internal/protocol"
	"talklink-backend/internal/rtc"
	pkgjwt "talklink-backend/pkg/jwt"
	"talklink-backend/pkg/logger"
)

func main() {
	server := flag.String("server", "http://localhost:8080/v1", "call service base URL")
	token := flag.String("token", os.Getenv("TALKLINK_TOKEN"), "JWT access token")
	friend := flag.String("friend", "", "user ID to call directly instead of joining the queue")
	audioPath := flag.String("audio", "", "ogg/opus file to send as the local audio track")
	autoAccept := flag.Bool("accept", true, "automatically accept incoming direct calls")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required (-token or TALKLINK_TOKEN)")
	}
	selfID, err := userIDFromToken(*token)
	if err != nil {
		log.Fatalf("cannot read user ID from token: %v", err)
	}

	logger.InitDefault()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rtc.DialSignalClient(ctx, *server, *token)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()
	fmt.Printf("Connected as %s\n", selfID)

	session := &callSession{
		selfID:    selfID,
		client:    client,
		audioPath: *audioPath,
		peerDown:  make(chan error, 1),
	}
	defer session.hangUp()

	if *friend != "" {
		friendID, err := uuid.Parse(*friend)
		if err != nil {
			log.Fatalf("invalid friend ID %q: %v", *friend, err)
		}
		if err := client.CallFriend(friendID); err != nil {
			log.Fatalf("failed to place call: %v", err)
		}
		fmt.Printf("Calling %s...\n", friendID)
	} else {
		if err := client.JoinQueue(); err != nil {
			log.Fatalf("failed to join queue: %v", err)
		}
		fmt.Println("Waiting for a match...")
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nHanging up.")
			return
		case err := <-session.peerDown:
			fmt.Printf("Call setup failed: %v\n", err)
			session.hangUp()
		case env, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					log.Fatalf("connection lost: %v", err)
				}
				fmt.Println("Connection closed.")
				return
			}
			session.handle(env, *autoAccept)
		}
	}
}

// callSession tracks the single call a client can be in at a time
type callSession struct {
	selfID    uuid.UUID
	client    *rtc.SignalClient
	audioPath string

	callID   uuid.UUID
	peerID   uuid.UUID
	isCaller bool
	peer     *rtc.Peer

	// peerDown hands handshake failures back to the main loop; peer
	// callbacks run on pion goroutines and must not touch session state
	peerDown chan error
}

// OnStateChange implements rtc.StateObserver
func (s *callSession) OnStateChange(from, to rtc.State, err error) {
	switch to {
	case rtc.StateConnected:
		fmt.Println("Connected! Audio is flowing.")
	case rtc.StateFailed:
		select {
		case s.peerDown <- err:
		default:
		}
	}
}

func (s *callSession) handle(env protocol.Envelope, autoAccept bool) {
	switch env.Type {
	case protocol.EventWaitingForMatch:
		// Already reported when joining

	case protocol.EventCallMatched:
		var matched protocol.CallMatched
		if err := env.Decode(&matched); err != nil {
			log.Printf("bad %s event: %v", env.Type, err)
			return
		}
		s.startMatchedCall(matched)

	case protocol.EventIncomingCall:
		var invite protocol.DirectCallInvite
		if err := env.Decode(&invite); err != nil {
			log.Printf("bad %s event: %v", env.Type, err)
			return
		}
		fmt.Printf("Incoming call from %s (%s)\n", invite.Caller.Name, invite.Caller.ID)
		s.callID = invite.CallID
		s.peerID = invite.Caller.ID
		s.isCaller = false
		if autoAccept {
			if err := s.client.AcceptCall(invite.CallID); err != nil {
				log.Printf("failed to accept: %v", err)
			}
		} else {
			fmt.Println("Not accepting (run with -accept to auto-accept)")
			_ = s.client.RejectCall(invite.CallID)
		}

	case protocol.EventCallInitiated:
		var invite protocol.DirectCallInvite
		if err := env.Decode(&invite); err != nil {
			log.Printf("bad %s event: %v", env.Type, err)
			return
		}
		s.callID = invite.CallID
		s.peerID = invite.Callee.ID
		s.isCaller = true
		fmt.Printf("Ringing %s...\n", invite.Callee.Name)

	case protocol.EventCallAccepted:
		// The caller drives the handshake on a direct call
		fmt.Println("Call accepted, connecting...")
		s.startPeer(s.isCaller)

	case protocol.EventCallRejected:
		fmt.Println("Call rejected.")
		s.reset()

	case protocol.EventFriendOffline:
		fmt.Println("Friend is offline; they have been notified.")

	case protocol.EventLiveTranscript:
		var t protocol.LiveTranscript
		if err := env.Decode(&t); err != nil {
			return
		}
		fmt.Printf("[%s] %s\n", t.Speaker, t.Text)

	case protocol.EventCallEnded:
		var ended protocol.CallEnded
		if err := env.Decode(&ended); err == nil {
			fmt.Printf("Call ended after %ds.\n", ended.DurationSeconds)
		} else {
			fmt.Println("Call ended.")
		}
		s.reset()

	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer, protocol.EventWebRTCICECandidate:
		if s.peer == nil {
			return
		}
		var sig protocol.Signal
		if err := env.Decode(&sig); err != nil {
			log.Printf("bad %s event: %v", env.Type, err)
			return
		}
		if err := s.peer.HandleSignal(env.Type, sig); err != nil {
			log.Printf("signaling error: %v", err)
		}

	case protocol.EventError:
		var e protocol.ErrorEvent
		if err := env.Decode(&e); err == nil {
			fmt.Printf("Server error: %s\n", e.Message)
		}
	}
}

func (s *callSession) startMatchedCall(matched protocol.CallMatched) {
	if len(matched.Participants) != 2 {
		log.Printf("unexpected participant count %d", len(matched.Participants))
		return
	}
	s.callID = matched.CallID
	other := matched.Participants[0]
	if other.ID == s.selfID {
		other = matched.Participants[1]
	}
	s.peerID = other.ID
	fmt.Printf("Matched with %s\n", other.Name)

	// The longest-waiting participant is listed first and initiates
	s.startPeer(matched.Participants[0].ID == s.selfID)
}

func (s *callSession) startPeer(isInitiator bool) {
	if s.peer != nil || s.callID == uuid.Nil {
		return
	}

	var media rtc.MediaSource
	if s.audioPath != "" {
		media = rtc.NewFileSource(s.audioPath)
	} else {
		media = rtc.SilenceSource{}
	}

	peer, err := rtc.NewPeer(rtc.Config{
		CallID:   s.callID,
		SelfID:   s.selfID,
		PeerID:   s.peerID,
		Signals:  s.client,
		Media:    media,
		Observer: s,
	})
	if err != nil {
		log.Printf("failed to create peer connection: %v", err)
		s.hangUp()
		return
	}
	s.peer = peer

	if err := peer.Initialize(isInitiator); err != nil {
		if errors.Is(err, rtc.ErrMediaAccessDenied) {
			fmt.Println("Cannot start the call: microphone access was denied.")
		} else {
			log.Printf("failed to start call: %v", err)
		}
		s.hangUp()
	}
}

func (s *callSession) hangUp() {
	if s.callID != uuid.Nil {
		_ = s.client.EndCall(s.callID)
	}
	s.reset()
}

func (s *callSession) reset() {
	if s.peer != nil {
		s.peer.Cleanup()
		s.peer = nil
	}
	s.callID = uuid.Nil
	s.peerID = uuid.Nil
	s.isCaller = false
}

// userIDFromToken reads the user_id claim without verifying the signature.
// The server verifies; the client only needs its own identity.
func userIDFromToken(token string) (uuid.UUID, error) {
	claims := &pkgjwt.Claims{}
	parser := jwtlib.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return uuid.Nil, err
	}
	if claims.UserID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("token has no user_id claim")
	}
	return claims.UserID, nil
}
