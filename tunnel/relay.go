package tunnel

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/ghaccel/ghaccel/flow"
)

// Relay copies bytes between client and upstream until either direction
// ends or ctx is done, then closes both. Client traffic is reported to the
// meters: reads are upload, writes are download.
func Relay(ctx context.Context, client, upstream net.Conn, meters ...*flow.Meter) error {
	mc := flow.NewMeteredConn(client, meters...)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, mc)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(mc, upstream)
		errc <- err
	}()

	var err error
	pending := 2
	select {
	case err = <-errc:
		pending--
	case <-ctx.Done():
		err = ctx.Err()
	}
	client.Close()
	upstream.Close()
	for ; pending > 0; pending-- {
		<-errc
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
