package sshserver

// Config defines SSH attach settings. An empty Addr disables the surface.
type Config struct {
	Addr        string
	HostKeyPath string
}
