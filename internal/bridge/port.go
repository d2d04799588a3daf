package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrPortClosed 通道已關閉
var ErrPortClosed = errors.New("bridge port closed")

// Port 雙向訊息通道
//
// 編排端與引擎各持一端；實作可以是同行程的 channel，也可以是跨行程的連接。
type Port interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
}

// pipeBuffer 每個方向的緩衝數
const pipeBuffer = 16

// PipeEnd 同行程管道的一端
type PipeEnd struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	once   *sync.Once
}

// NewPipe 建立一對互連的端點；任一端 Close 後兩端都失效
func NewPipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{in: ba, out: ab, closed: closed, once: once}
	b := &PipeEnd{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

// Send 送出訊息，對端未讀且緩衝已滿時阻塞
func (p *PipeEnd) Send(ctx context.Context, m Message) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	select {
	case p.out <- m:
		return nil
	case <-p.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive 等待下一則訊息；關閉前已送達緩衝的訊息仍會依序交付
func (p *PipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.closed:
		select {
		case m := <-p.in:
			return m, nil
		default:
			return Message{}, ErrPortClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close 關閉管道
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
