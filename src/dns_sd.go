package astm

/*------------------------------------------------------------------
 *
 * Purpose:   	Announce the gateway's TCP port using DNS-SD.
 *
 * Description:	Middleware boxes tend to live on lab networks with no
 *		DNS worth the name.  Announcing the listener over
 *		mDNS lets a LIS operator find it by browsing for
 *		_astm-gateway._tcp instead of asking IT for the IP.
 *
 *		Uses the pure-Go github.com/brutella/dnssd package so
 *		no system daemon is required.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"os"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

const dnsSDService = "_astm-gateway._tcp"

func defaultServiceName() string {
	var hostname, err = os.Hostname()
	if err != nil {
		return "ASTM gateway"
	}

	// on some systems, an FQDN is returned; remove domain part
	hostname, _, _ = strings.Cut(hostname, ".")

	return "ASTM gateway on " + hostname
}

func announceService(port int, logger *log.Logger) {
	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: defaultServiceName(),
		Type: dnsSDService,
		Port: port,
	}

	var sv, svErr = dnssd.NewService(cfg)
	if svErr != nil {
		logger.Warn("DNS-SD: failed to create service", "err", svErr)
		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		logger.Warn("DNS-SD: failed to create responder", "err", rpErr)
		return
	}

	var _, addErr = rp.Add(sv)
	if addErr != nil {
		logger.Warn("DNS-SD: failed to add service", "err", addErr)
		return
	}

	logger.Info("DNS-SD: announcing", "service", dnsSDService, "port", port)

	go func() {
		var respondErr = rp.Respond(context.Background())
		if respondErr != nil {
			logger.Warn("DNS-SD: responder stopped", "err", respondErr)
		}
	}()
}
