package rtcm

// CRC24Q as used by RTCM3 framing (polynomial 0x1864CFB, zero init).

const crc24qPoly = 0x1864CFB

var crc24qTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 16
		for j := 0; j < 8; j++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crc24qPoly
			}
		}
		crc24qTable[i] = crc & 0xFFFFFF
	}
}

func crc24q(b []byte) uint32 {
	crc := uint32(0)
	for _, c := range b {
		crc = ((crc << 8) & 0xFFFFFF) ^ crc24qTable[byte(crc>>16)^c]
	}
	return crc
}
