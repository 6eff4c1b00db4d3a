package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/arcs-ctf/deployd/internal/chall"
	"github.com/arcs-ctf/deployd/internal/domain"
)

// composeLinks builds the outward-facing links for a deployed challenge.
//
// The host is always the configured deploy address. Static files link into
// the display object store under {display}/{chall}/{basename}; nc targets
// render "host port" for pasting into netcat; web and admin render
// "host:port".
func composeLinks(deployAddress, s3Display, challName string, ch *chall.Challenge, ports map[domain.TargetType][]int32) []domain.DeployLink {
	var links []domain.DeployLink

	for _, f := range ch.StaticFiles() {
		links = append(links, domain.DeployLink{
			Type: domain.TargetStatic,
			Link: strings.TrimSuffix(s3Display, "/") + "/" + path.Join(challName, path.Base(f.Src)),
		})
	}

	for _, target := range domain.DeployTargetOrder {
		for _, port := range ports[target] {
			link := fmt.Sprintf("%s:%d", deployAddress, port)
			if target == domain.TargetNc {
				link = fmt.Sprintf("%s %d", deployAddress, port)
			}
			links = append(links, domain.DeployLink{Type: target, Link: link})
		}
	}

	return links
}
