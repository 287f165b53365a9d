package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"displayconfig/tracker"
)

// DiscoveredHost represents a displaywatch API found on the network
type DiscoveredHost struct {
	IP       string        `json:"ip"`
	Port     int           `json:"port"`
	Name     string        `json:"name,omitempty"`
	Displays int           `json:"displays"`
	Stats    tracker.Stats `json:"stats"`
}

// Addr returns "ip:port"
func (h DiscoveredHost) Addr() string {
	return net.JoinHostPort(h.IP, fmt.Sprint(h.Port))
}

// GetLocalIP returns the primary local IP address
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// ScanLAN probes every address of the local /24 for a displaywatch API
func ScanLAN(ctx context.Context, port int) ([]DiscoveredHost, error) {
	localIP, err := GetLocalIP()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IP: %w", err)
	}

	parts := strings.Split(localIP, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IP address format: %s", localIP)
	}
	subnet := strings.Join(parts[:3], ".")

	var hosts []DiscoveredHost
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 254; i++ {
		ip := fmt.Sprintf("%s.%d", subnet, i)
		if ip == localIP {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if host, ok := probeHost(ctx, ip, port); ok {
				mu.Lock()
				hosts = append(hosts, host)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return hosts, nil
}

// probeHost checks /health and reads /api/status
func probeHost(ctx context.Context, ip string, port int) (DiscoveredHost, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	base := "http://" + net.JoinHostPort(ip, fmt.Sprint(port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return DiscoveredHost{}, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return DiscoveredHost{}, false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DiscoveredHost{}, false
	}

	host := DiscoveredHost{IP: ip, Port: port}

	// Status may need a token; a healthy host is reported either way
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/status", nil)
	if err != nil {
		return host, true
	}
	resp, err = client.Do(req)
	if err != nil {
		return host, true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return host, true
	}

	var status struct {
		Name     string        `json:"name"`
		Displays int           `json:"displays"`
		Stats    tracker.Stats `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
		host.Name = status.Name
		host.Displays = status.Displays
		host.Stats = status.Stats
	}
	return host, true
}

// GetLocalIPs returns all available local IPv4 addresses
func GetLocalIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}
