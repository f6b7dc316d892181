package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"
)

var ErrNoMappedAddress = errors.New("STUN response carries no mapped address")

// Classification of the NAT we are behind.
type NATType string

const (
	// No STUN server could be reached, i.e. UDP is most likely blocked.
	NATBlocked NATType = "blocked"
	// Not enough data to classify the NAT.
	NATUnknown NATType = "unknown"
	// The same public mapping is used for every destination, direct connections usually work.
	NATEndpointIndependent NATType = "endpoint-independent"
	// A different public mapping is used for every destination, only a TURN relay helps.
	NATSymmetric NATType = "symmetric"
)

// Result of the connectivity diagnosis.
type Diagnosis struct {
	// Number of STUN servers that were queried.
	Queried int
	// Number of STUN servers that answered.
	Reachable int
	// Public addresses reported by the STUN servers that answered.
	MappedAddresses []string
	NATType         NATType
	// Human readable hints on how to fix the connectivity.
	Suggestions []string
}

// Public address of the local socket as seen by one STUN server.
type Binding struct {
	Server  string
	Address string
	Err     error
}

// Sends a STUN binding request to every server and returns the bindings in the order
// of the servers. The requests of one call have to leave from the same local socket,
// otherwise the mapped addresses can't be compared.
type Mapper interface {
	Map(ctx context.Context, servers []string) []Binding
}

// Queries STUN servers over UDP with pion's STUN codec.
type STUNMapper struct {
	// Time to wait for the answer of a single server.
	Timeout time.Duration
}

func (m STUNMapper) Map(ctx context.Context, servers []string) []Binding {
	bindings := make([]Binding, len(servers))
	for i, server := range servers {
		bindings[i].Server = server
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		for i := range bindings {
			bindings[i].Err = fmt.Errorf("failed to open UDP socket: %w", err)
		}
		return bindings
	}
	defer conn.Close()

	// Unblocks the pending read once the context is done.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buffer := make([]byte, 1500)
	for i := range bindings {
		bindings[i].Address, bindings[i].Err = m.bind(ctx, conn, buffer, servers[i])
	}

	return bindings
}

func (m STUNMapper) bind(ctx context.Context, conn net.PacketConn, buffer []byte, server string) (string, error) {
	uri, err := stun.ParseURI(server)
	if err != nil {
		return "", fmt.Errorf("invalid STUN URI %q: %w", server, err)
	}

	address, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", server, err)
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	// Checked after the deadline has been set, so that a cancellation can't be overwritten.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteTo(request.Raw, address); err != nil {
		return "", fmt.Errorf("failed to send binding request to %s: %w", server, err)
	}

	for {
		n, _, err := conn.ReadFrom(buffer)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("no answer from %s: %w", server, err)
		}

		response := &stun.Message{Raw: append([]byte(nil), buffer[:n]...)}
		if err := response.Decode(); err != nil || response.TransactionID != request.TransactionID {
			// Garbage or a late answer to an earlier request.
			continue
		}
		if response.Type != stun.BindingSuccess {
			return "", fmt.Errorf("%s answered with %s", server, response.Type)
		}

		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(response); err != nil {
			return "", ErrNoMappedAddress
		}

		return mapped.String(), nil
	}
}

// Runs the connectivity diagnosis after a connection could not be established.
type Diagnoser struct {
	logger  *logrus.Entry
	mapper  Mapper
	servers []string
}

func NewDiagnoser(mapper Mapper, servers []string, logger *logrus.Entry) *Diagnoser {
	return &Diagnoser{logger: logger, mapper: mapper, servers: servers}
}

// Queries every configured STUN server and classifies the NAT. The suggestions of the
// returned diagnosis are never empty.
func (d *Diagnoser) Diagnose(ctx context.Context) Diagnosis {
	var mapped []string
	for _, binding := range d.mapper.Map(ctx, d.servers) {
		if binding.Err != nil {
			d.logger.WithError(binding.Err).WithField("server", binding.Server).Debug("STUN binding request failed")
			continue
		}
		mapped = append(mapped, binding.Address)
	}

	diagnosis := Classify(len(d.servers), mapped)
	d.logger.WithFields(logrus.Fields{
		"queried":   diagnosis.Queried,
		"reachable": diagnosis.Reachable,
		"nat":       diagnosis.NATType,
	}).Info("connectivity diagnosis finished")

	return diagnosis
}

// Classifies the NAT from the addresses reported by the STUN servers that answered.
func Classify(queried int, mapped []string) Diagnosis {
	diagnosis := Diagnosis{
		Queried:         queried,
		Reachable:       len(mapped),
		MappedAddresses: mapped,
	}

	switch {
	case len(mapped) == 0:
		diagnosis.NATType = NATBlocked
	case len(mapped) == 1:
		diagnosis.NATType = NATUnknown
	case allEqual(mapped):
		diagnosis.NATType = NATEndpointIndependent
	default:
		diagnosis.NATType = NATSymmetric
	}

	diagnosis.Suggestions = Suggestions(diagnosis.NATType)
	return diagnosis
}

// Actionable hints for the given NAT type.
func Suggestions(nat NATType) []string {
	switch nat {
	case NATBlocked:
		return []string{
			"Outgoing UDP traffic seems to be blocked, check your firewall or VPN settings.",
			"Try a different network, e.g. a mobile hotspot.",
			"Ask your administrator to allow a TURN relay over TCP or TLS on port 443.",
		}
	case NATSymmetric:
		return []string{
			"Your network uses a symmetric NAT, direct connections are unlikely to work.",
			"A TURN relay is required, make sure one is configured and reachable.",
		}
	case NATEndpointIndependent:
		return []string{
			"Your network allows direct connections, the other participant's network may be restricting them.",
			"Ask the other participant to check their firewall or try again on another network.",
		}
	default:
		return []string{
			"Check your internet connection and try again.",
			"If the problem persists, try a different network.",
		}
	}
}

func allEqual(values []string) bool {
	for _, v := range values[1:] {
		if !strings.EqualFold(v, values[0]) {
			return false
		}
	}
	return true
}
