package scanners

import "strings"

const ServiceUnknown = "unknown"

type bannerSignature struct {
	keyword string
	service string
}

// bannerSignatures is matched in order against the lower-cased banner, so more
// specific keywords come first.
var bannerSignatures = []bannerSignature{
	{"openssh", "ssh"},
	{"dropbear", "ssh"},
	{"libssh", "ssh"},
	{"ssh-2.0", "ssh"},
	{"ssh-1.", "ssh"},
	{"vsftpd", "ftp"},
	{"proftpd", "ftp"},
	{"pure-ftpd", "ftp"},
	{"filezilla server", "ftp"},
	{"microsoft ftp", "ftp"},
	{"220-ftp", "ftp"},
	{"ftp server", "ftp"},
	{"postfix", "smtp"},
	{"exim", "smtp"},
	{"sendmail", "smtp"},
	{"microsoft esmtp", "smtp"},
	{"esmtp", "smtp"},
	{"smtp", "smtp"},
	{"dovecot", "imap"},
	{"courier-imap", "imap"},
	{"cyrus", "imap"},
	{"* ok [capability imap", "imap"},
	{"imap4", "imap"},
	{"imap", "imap"},
	{"+ok pop", "pop3"},
	{"pop3", "pop3"},
	{"mariadb", "mysql"},
	{"mysql_native_password", "mysql"},
	{"caching_sha2_password", "mysql"},
	{"mysql", "mysql"},
	{"percona", "mysql"},
	{"postgresql", "postgresql"},
	{"pgbouncer", "postgresql"},
	{"-err wrong number of arguments", "redis"},
	{"-noauth", "redis"},
	{"redis", "redis"},
	{"valkey", "redis"},
	{"mongodb", "mongodb"},
	{"ismaster", "mongodb"},
	{"memcached", "memcached"},
	{"elasticsearch", "elasticsearch"},
	{"you know, for search", "elasticsearch"},
	{"opensearch", "elasticsearch"},
	{"couchdb", "couchdb"},
	{"cassandra", "cassandra"},
	{"rabbitmq", "amqp"},
	{"amqp", "amqp"},
	{"mosquitto", "mqtt"},
	{"zookeeper", "zookeeper"},
	{"nginx", "http"},
	{"apache", "http"},
	{"microsoft-iis", "http"},
	{"litespeed", "http"},
	{"openresty", "http"},
	{"cloudflare", "http"},
	{"caddy", "http"},
	{"lighttpd", "http"},
	{"gunicorn", "http"},
	{"uvicorn", "http"},
	{"werkzeug", "http"},
	{"express", "http"},
	{"kestrel", "http"},
	{"jetty", "http"},
	{"tomcat", "http"},
	{"coyote", "http"},
	{"envoy", "http"},
	{"traefik", "http"},
	{"haproxy", "http"},
	{"varnish", "http"},
	{"squid", "http-proxy"},
	{"akamaighost", "http"},
	{"awselb", "http"},
	{"gws", "http"},
	{"server: ", "http"},
	{"http/1.", "http"},
	{"http/2", "http"},
	{"<html", "http"},
	{"jenkins", "http"},
	{"grafana", "http"},
	{"kibana", "http"},
	{"rfb 003", "vnc"},
	{"vnc", "vnc"},
	{"microsoft terminal services", "rdp"},
	{"rdp", "rdp"},
	{"telnet", "telnet"},
	{"login:", "telnet"},
	{"bind9", "dns"},
	{"dnsmasq", "dns"},
	{"powerdns", "dns"},
	{"unbound", "dns"},
	{"docker", "docker"},
	{"kubernetes", "kubernetes"},
	{"etcd", "etcd"},
	{"consul", "consul"},
	{"vault", "vault"},
	{"x509", "tls"},
	{"\x15\x03", "tls"},
	{"\x16\x03", "tls"},
	{"samba", "smb"},
	{"ldap", "ldap"},
	{"sip/2.0", "sip"},
	{"rtsp/1.0", "rtsp"},
	{"xmpp", "xmpp"},
	{"ircd", "irc"},
	{"git-upload-pack", "git"},
	{"svnserve", "svn"},
	{"ntpd", "ntp"},
	{"snmp", "snmp"},
}

var wellKnownPorts = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	143:   "imap",
	443:   "https",
	465:   "smtps",
	587:   "smtp",
	993:   "imaps",
	995:   "pop3s",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgresql",
	6379:  "redis",
	8080:  "http",
	8443:  "https",
	27017: "mongodb",
}

// ClassifyBanner maps a captured banner to a coarse service label.
func ClassifyBanner(banner string) string {
	b := strings.ToLower(banner)
	if strings.TrimSpace(b) == "" {
		return ServiceUnknown
	}
	for _, sig := range bannerSignatures {
		if strings.Contains(b, sig.keyword) {
			return sig.service
		}
	}
	return ServiceUnknown
}

// ServiceFor labels an open port, falling back to the well-known port name when
// the service sent no banner.
func ServiceFor(port int, banner string) string {
	if strings.TrimSpace(banner) != "" {
		return ClassifyBanner(banner)
	}
	if name, ok := wellKnownPorts[port]; ok {
		return name
	}
	return ServiceUnknown
}
