package scanners

import (
	"fmt"
	"sort"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// clientHellos are the ClientHello fingerprints the TLS scanner can present.
var clientHellos = map[string]utls.ClientHelloID{
	"chrome":        utls.HelloChrome_Auto,
	"firefox":       utls.HelloFirefox_Auto,
	"safari":        utls.HelloSafari_Auto,
	"edge":          utls.HelloEdge_Auto,
	"ios":           utls.HelloIOS_Auto,
	"android":       utls.HelloAndroid_11_OkHttp,
	"golang":        utls.HelloGolang,
	"random":        utls.HelloRandomized,
	"random_noalpn": utls.HelloRandomizedNoALPN,
}

func ClientHelloByName(name string) (utls.ClientHelloID, error) {
	if id, ok := clientHellos[strings.ToLower(strings.TrimSpace(name))]; ok {
		return id, nil
	}
	return utls.ClientHelloID{}, fmt.Errorf("unknown client hello %q (known: %s)", name, strings.Join(ClientHelloNames(), ", "))
}

func ClientHelloNames() []string {
	names := make([]string, 0, len(clientHellos))
	for name := range clientHellos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
