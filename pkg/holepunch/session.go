package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	pingMessage = "PING"
	pongMessage = "PONG"

	pingRetryInterval = 250 * time.Millisecond
)

// SendMessage sends a message to a specific address
func SendMessage(conn *net.UDPConn, message string, remote *net.UDPAddr) error {
	if _, err := conn.WriteToUDP([]byte(message), remote); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReceiveMessage returns the next application message. Leftover punch
// traffic from the peer is acknowledged and skipped.
func ReceiveMessage(ctx context.Context, conn *net.UDPConn) (string, *net.UDPAddr, error) {
	for {
		msg, from, err := receive(ctx, conn)
		if err != nil {
			return "", nil, err
		}
		switch msg {
		case PunchMessage:
			conn.WriteToUDP([]byte(AckMessage), from)
		case AckMessage:
		default:
			return msg, from, nil
		}
	}
}

// PingPong performs a simple ping-pong exchange to verify connection.
// The initiator sends PING and waits for PONG; the other side answers.
func PingPong(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, initiator bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if initiator {
		// The peer may still be punching when the first PING lands, so keep
		// sending until a PONG arrives.
		for attempt := 1; ; attempt++ {
			logger.Info("sending PING", zap.Stringer("to", remote), zap.Int("attempt", attempt))
			if err := SendMessage(conn, pingMessage, remote); err != nil {
				return fmt.Errorf("failed to send PING: %w", err)
			}

			waitCtx, cancel := context.WithTimeout(ctx, pingRetryInterval)
			response, _, err := ReceiveMessage(waitCtx, conn)
			cancel()
			if err != nil {
				if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				return fmt.Errorf("failed to receive PONG: %w", err)
			}
			if response != pongMessage {
				return fmt.Errorf("unexpected response: %s", response)
			}

			logger.Info("received PONG, round-trip successful")
			return nil
		}
	}

	message, sender, err := ReceiveMessage(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to receive PING: %w", err)
	}
	if message != pingMessage {
		return fmt.Errorf("unexpected message: %s", message)
	}
	logger.Info("received PING", zap.Stringer("from", sender))

	if err := SendMessage(conn, pongMessage, sender); err != nil {
		return fmt.Errorf("failed to send PONG: %w", err)
	}

	logger.Info("sent PONG, round-trip successful")
	return nil
}
