package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/danmuck/sxutil/internal/transport"
)

// Dialer connects every address to the same Directory and Broker.
type Dialer struct {
	Directory *Directory
	Broker    *Broker

	mu            sync.Mutex
	failDials     int
	dialErr       error
	exchangeDials int
	directoryDial int
	lastAddr      string
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(dir *Directory, broker *Broker) *Dialer {
	return &Dialer{Directory: dir, Broker: broker}
}

// FailDials makes the next n dials return err.
func (d *Dialer) FailDials(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDials = n
	d.dialErr = err
}

// ExchangeDials reports how many exchange handles were requested.
func (d *Dialer) ExchangeDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchangeDials
}

func (d *Dialer) DirectoryDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.directoryDial
}

func (d *Dialer) LastAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAddr
}

func (d *Dialer) admit(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return transport.ErrAddrMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.lastAddr = addr
	if d.failDials > 0 {
		d.failDials--
		return d.dialErr
	}
	return nil
}

func (d *Dialer) DialDirectory(ctx context.Context, addr string) (transport.Directory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.directoryDial++
	if err := d.admit(ctx, addr); err != nil {
		return nil, err
	}
	return &directoryConn{dir: d.Directory}, nil
}

func (d *Dialer) DialExchange(ctx context.Context, addr string) (transport.Exchange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exchangeDials++
	if err := d.admit(ctx, addr); err != nil {
		return nil, err
	}
	return &exchangeConn{broker: d.Broker}, nil
}
