package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Serial port attachment for instruments wired over
 *		RS-232 instead of a terminal server.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"io"

	"github.com/pkg/term"
)

// OpenSerial opens the device in raw mode at the given speed and
// returns it as a byte stream the session runner can use like any
// socket.
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	var t, err = term.Open(device, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}

	switch baud {
	case 0: /* Leave it alone. */
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if speedErr := t.SetSpeed(baud); speedErr != nil {
			t.Close()
			return nil, fmt.Errorf("serial %s: set speed %d: %w", device, baud, speedErr)
		}
	default:
		t.Close()
		return nil, fmt.Errorf("serial %s: unsupported speed %d", device, baud)
	}

	return t, nil
}
