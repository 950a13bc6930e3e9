//go:build linux

package diagnostics

import (
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
)

// lookupRoute asks the kernel which interface traffic to ip leaves by, and
// lists the other routes that also cover it, most specific first.
func lookupRoute(ip net.IP) (Route, error) {
	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return Route{}, fmt.Errorf("route get %s: %w", ip, err)
	}
	if len(routes) == 0 {
		return Route{}, fmt.Errorf("no route to %s", ip)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return Route{}, fmt.Errorf("list links: %w", err)
	}
	names := make(map[int]string, len(links))
	for _, link := range links {
		names[link.Attrs().Index] = link.Attrs().Name
	}

	out := Route{Interface: names[routes[0].LinkIndex]}
	if routes[0].Gw != nil {
		out.Gateway = routes[0].Gw.String()
	}

	family := netlink.FAMILY_V4
	if ip.To4() == nil {
		family = netlink.FAMILY_V6
	}
	all, err := netlink.RouteList(nil, family)
	if err != nil {
		return out, nil
	}
	type covering struct {
		desc string
		ones int
	}
	var covers []covering
	for _, r := range all {
		if r.Dst == nil || !r.Dst.Contains(ip) {
			continue
		}
		ones, _ := r.Dst.Mask.Size()
		covers = append(covers, covering{desc: names[r.LinkIndex] + ": " + r.Dst.String(), ones: ones})
	}
	sort.Slice(covers, func(i, j int) bool { return covers[i].ones > covers[j].ones })
	for _, c := range covers {
		out.Covering = append(out.Covering, c.desc)
	}
	return out, nil
}
