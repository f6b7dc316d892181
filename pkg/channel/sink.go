package channel

import (
	"errors"
	"sync"
)

var ErrSinkSealed = errors.New("the sink is sealed")

// A message together with whoever sent it.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}

// SinkWithSender lets a producer send messages to a shared consumer channel without
// being able to pick the sender, so that one producer can't impersonate another. The
// consumer owns the channel; sealing only stops this producer.
type SinkWithSender[SenderType comparable, MessageType any] struct {
	sender      SenderType
	messageSink chan<- Message[SenderType, MessageType]
	sealed      chan struct{}
	sealOnce    sync.Once
}

func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Sends a message. Blocks while the channel is full unless the sink gets sealed.
func (s *SinkWithSender[S, M]) Send(message M) error {
	select {
	case <-s.sealed:
		return ErrSinkSealed
	default:
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Rejects every following send and unblocks the pending ones.
func (s *SinkWithSender[S, M]) Seal() {
	s.sealOnce.Do(func() { close(s.sealed) })
}

func (s *SinkWithSender[S, M]) Sender() S {
	return s.sender
}
