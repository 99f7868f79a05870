/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hostutil maps between host FQDNs and the identifiers
// PostgreSQL uses for them in the streaming protocol
package hostutil

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

var clusterPrefixRegexp = regexp.MustCompile(`^[a-z-]+[0-9]+`)

// AppName derives the application_name a replica advertises in
// pg_stat_replication from its FQDN, replacing the characters
// PostgreSQL would not accept
func AppName(fqdn string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(fqdn)
}

// AppNameMap indexes a host list by the application_name each
// host connects with
func AppNameMap(hosts []string) map[string]string {
	result := make(map[string]string, len(hosts))
	for _, host := range hosts {
		result[AppName(host)] = host
	}
	return result
}

// LockpathPrefix derives the default per-cluster coordination prefix
// from the host naming convention: the leading letters-and-digits run
// of the FQDN names the cluster
func LockpathPrefix(hostname string) string {
	cluster := clusterPrefixRegexp.FindString(hostname)
	if cluster == "" {
		cluster = strings.SplitN(hostname, ".", 2)[0]
	}
	return fmt.Sprintf("/pgkeeper/%s/", cluster)
}

// Hostname returns the FQDN of the local machine, falling back to the
// kernel hostname when reverse resolution is not available
func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return hostname
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return hostname
	}
	return strings.TrimSuffix(names[0], ".")
}
