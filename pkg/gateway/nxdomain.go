package gateway

// SynthesizeNXDomain turns a validated query into its NXDOMAIN answer in
// place: QR, RD and RA set, rcode 3. Only bytes 2 and 3 change, so the
// transaction id and question stay as the client sent them.
func SynthesizeNXDomain(buf []byte) {
	buf[2] = 0x81
	buf[3] = 0x83
}
