// Package media inspects audio/video sequence headers (AAC, H264, HEVC) far
// enough to report codec, profile, sample rate/channels and resolution. It
// never decodes or transcodes the media payload itself.
package media

// Codec name tables.

var AudioCodecName = []string{
	"",
	"ADPCM",
	"MP3",
	"LinearLE",
	"Nellymoser16",
	"Nellymoser8",
	"Nellymoser",
	"G711A",
	"G711U",
	"",
	"AAC",
	"Speex",
	"",
	"OPUS",
	"MP3-8K",
	"DeviceSpecific",
	"Uncompressed",
}

var AudioSoundRate = []uint32{5512, 11025, 22050, 44100}

var VideoCodecName = []string{
	"",
	"Jpeg",
	"Sorenson-H263",
	"ScreenVideo",
	"On2-VP6",
	"On2-VP6-Alpha",
	"ScreenVideo2",
	"H264",
	"",
	"",
	"",
	"",
	"H265",
}

/* AAC */

var aacSampleRate = []uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

var aacChannels = []uint32{0, 1, 2, 3, 4, 5, 6, 8}

type AACSpecificConfig struct {
	object_type     uint32
	sample_rate     uint32
	sampling_index  byte
	chan_config     uint32
	channels        uint32
	sbr             int32
	ps              int32
	ext_object_type uint32
}

func (c AACSpecificConfig) Channels() uint32  { return c.channels }
func (c AACSpecificConfig) SampleRate() uint32 { return c.sample_rate }

func getAudioObjectType(b *Bitop) uint32 {
	r := b.Read(5)
	if r == 31 {
		r = b.Read(6) + 32
	}
	return r
}

func getAudioSampleRate(b *Bitop, samplingIndex byte) uint32 {
	if samplingIndex == 0x0f {
		return b.Read(24)
	} else if int(samplingIndex) < len(aacSampleRate) {
		return aacSampleRate[samplingIndex]
	}
	return 0
}

// ReadAACSpecificConfig parses an AudioSpecificConfig out of an AAC
// sequence header (the payload of the first RTMP_TYPE_AUDIO packet sent for
// an AAC stream).
func ReadAACSpecificConfig(aacSequenceHeader []byte) AACSpecificConfig {
	res := AACSpecificConfig{}
	b := NewBitop(aacSequenceHeader)

	b.Read(16)

	res.object_type = getAudioObjectType(b)
	res.sampling_index = byte(b.Read(4))
	res.sample_rate = getAudioSampleRate(b, res.sampling_index)
	res.chan_config = b.Read(4)

	if int(res.chan_config) < len(aacChannels) {
		res.channels = aacChannels[res.chan_config]
	}

	res.sbr = -1
	res.ps = -1

	if res.object_type == 5 || res.object_type == 29 {
		if res.object_type == 29 {
			res.ps = 1
		}
		res.ext_object_type = 5
		res.sbr = 1
		res.sampling_index = byte(b.Read(4))
		res.sample_rate = getAudioSampleRate(b, res.sampling_index)
		res.object_type = getAudioObjectType(b)
	}

	return res
}

func GetAACProfileName(info AACSpecificConfig) string {
	switch info.object_type {
	case 1:
		return "Main"
	case 2:
		if info.ps > 0 {
			return "HEv2"
		}
		if info.sbr > 0 {
			return "HE"
		}
		return "LC"
	case 3:
		return "SSR"
	case 4:
		return "LTP"
	case 5:
		return "SBR"
	default:
		return ""
	}
}

/* H264 */

type H264SpecificConfig struct {
	width          uint32
	height         uint32
	profile        byte
	compat         byte
	level          float32
	nalu           byte
	nb_sps         byte
	avc_ref_frames uint32
}

func (c H264SpecificConfig) Width() uint32  { return c.width }
func (c H264SpecificConfig) Height() uint32 { return c.height }

// ReadH264SpecificConfig parses an AVCDecoderConfigurationRecord's SPS far
// enough to recover profile, level and resolution.
func ReadH264SpecificConfig(avcSequenceHeader []byte) H264SpecificConfig {
	res := H264SpecificConfig{}
	b := NewBitop(avcSequenceHeader)

	b.Read(48)

	res.profile = byte(b.Read(8))
	res.compat = byte(b.Read(8))
	res.level = float32(b.Read(8))

	res.nalu = (byte(b.Read(8)) & 0x03) + 1
	res.nb_sps = byte(b.Read(8)) & 0x1F

	if res.nb_sps != 0 {
		b.Read(16) // NAL size
		nt := b.Read(8)

		if nt == 0x67 {
			profileIdc := b.Read(8)
			b.Read(8) // flags
			b.Read(8) // level
			b.ReadGolomb()

			if profileIdc == 100 || profileIdc == 110 || profileIdc == 122 || profileIdc == 244 ||
				profileIdc == 44 || profileIdc == 83 || profileIdc == 86 || profileIdc == 118 {
				cfIdc := b.ReadGolomb()

				if cfIdc == 3 {
					b.Read(1)
				}

				b.ReadGolomb()
				b.ReadGolomb()
				b.Read(1)

				ssm := b.Read(1)
				if ssm != 0 {
					if cfIdc == 3 {
						b.Read(12)
					} else {
						b.Read(8)
					}
				}
			}

			b.ReadGolomb() // log2 max frame num

			cntType := b.ReadGolomb()
			switch cntType {
			case 0:
				b.ReadGolomb()
			case 1:
				b.Read(1)
				b.ReadGolomb()
				b.ReadGolomb()
				numRefFrames := b.ReadGolomb()
				for n := uint32(0); n < numRefFrames; n++ {
					b.ReadGolomb()
				}
			}

			res.avc_ref_frames = b.ReadGolomb()

			b.Read(1) // gaps in frame num allowed

			width := b.ReadGolomb()
			height := b.ReadGolomb()

			frameMbsOnly := b.Read(1)
			if frameMbsOnly == 0 {
				b.Read(1)
			}

			b.Read(1) // direct 8x8 inference flag

			var cropLeft, cropRight, cropTop, cropBottom uint32
			hasCrop := b.Read(1)
			if hasCrop != 0 {
				cropLeft = b.ReadGolomb()
				cropRight = b.ReadGolomb()
				cropTop = b.ReadGolomb()
				cropBottom = b.ReadGolomb()
			}

			res.level = res.level / 10.0
			res.width = (width+1)*16 - (cropLeft+cropRight)*2
			res.height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2
		}
	}

	return res
}

/* HEVC */

type PTL struct {
	profile_space                      uint32
	tier_flag                          uint32
	profile_idc                        uint32
	profile_compatibility_flags        uint32
	general_progressive_source_flag    uint32
	general_interlaced_source_flag     uint32
	general_non_packed_constraint_flag uint32
	general_frame_only_constraint_flag uint32
	level_idc                          uint32

	sub_layer_profile_present_flag       []byte
	sub_layer_level_present_flag         []byte
	sub_layer_profile_space              []byte
	sub_layer_tier_flag                  []byte
	sub_layer_profile_idc                []byte
	sub_layer_profile_compatibility_flag []byte
	sub_layer_progressive_source_flag    []byte
	sub_layer_interlaced_source_flag     []byte
	sub_layer_non_packed_constraint_flag []byte
	sub_layer_frame_only_constraint_flag []byte
	sub_layer_level_idc                  []byte
}

func HEVCParsePtl(b *Bitop, maxSubLayersMinus1 uint32) PTL {
	p := PTL{}

	p.profile_space = b.Read(2)
	p.tier_flag = b.Read(1)
	p.profile_idc = b.Read(5)
	p.profile_compatibility_flags = b.Read(32)
	p.general_progressive_source_flag = b.Read(1)
	p.general_interlaced_source_flag = b.Read(1)
	p.general_non_packed_constraint_flag = b.Read(1)
	p.general_frame_only_constraint_flag = b.Read(1)
	b.Read(32)
	b.Read(12)
	p.level_idc = b.Read(8)

	for i := uint32(0); i < maxSubLayersMinus1; i++ {
		p.sub_layer_profile_present_flag = append(p.sub_layer_profile_present_flag, byte(b.Read(1)))
		p.sub_layer_level_present_flag = append(p.sub_layer_level_present_flag, byte(b.Read(1)))
	}

	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			b.Read(2)
		}
	}

	for i := 0; i < int(maxSubLayersMinus1); i++ {
		if i < len(p.sub_layer_profile_present_flag) && p.sub_layer_profile_present_flag[i] != 0 {
			p.sub_layer_profile_space = append(p.sub_layer_profile_space, byte(b.Read(2)))
			p.sub_layer_tier_flag = append(p.sub_layer_tier_flag, byte(b.Read(1)))
			p.sub_layer_profile_idc = append(p.sub_layer_profile_idc, byte(b.Read(5)))
			p.sub_layer_profile_compatibility_flag = append(p.sub_layer_profile_compatibility_flag, byte(b.Read(32)))
			p.sub_layer_progressive_source_flag = append(p.sub_layer_progressive_source_flag, byte(b.Read(1)))
			p.sub_layer_interlaced_source_flag = append(p.sub_layer_interlaced_source_flag, byte(b.Read(1)))
			p.sub_layer_non_packed_constraint_flag = append(p.sub_layer_non_packed_constraint_flag, byte(b.Read(1)))
			p.sub_layer_frame_only_constraint_flag = append(p.sub_layer_frame_only_constraint_flag, byte(b.Read(1)))
			b.Read(32)
			b.Read(12)
		}
		if i < len(p.sub_layer_level_present_flag) && p.sub_layer_level_present_flag[i] != 0 {
			p.sub_layer_level_idc = append(p.sub_layer_level_idc, byte(b.Read(8)))
		} else {
			p.sub_layer_level_idc = append(p.sub_layer_level_idc, byte(1))
		}
	}

	return p
}

type SPS struct {
	profile_tier_level PTL

	sps_video_parameter_set_id   uint32
	sps_max_sub_layers_minus1    uint32
	sps_temporal_id_nesting_flag uint32
	sps_seq_parameter_set_id     uint32
	chroma_format_idc            uint32
	separate_colour_plane_flag   uint32
	pic_width_in_luma_samples    uint32
	pic_height_in_luma_samples   uint32
	conformance_window_flag      uint32
	conf_win_left_offset         uint32
	conf_win_right_offset        uint32
	conf_win_top_offset          uint32
	conf_win_bottom_offset       uint32
}

func HEVCParseSPS(buf []byte) SPS {
	psps := SPS{}
	b := NewBitop(buf)
	numBytesInNALUnit := len(buf)

	rbsp := make([]byte, 0)

	b.Read(1) // forbidden_zero_bit
	b.Read(6) // nal_unit_type
	b.Read(6) // nuh_reserved_zero_6bits
	b.Read(3) // nuh_temporal_id_plus1

	for i := 2; i < numBytesInNALUnit; i++ {
		if i+2 < numBytesInNALUnit && b.Look(24) == 0x000003 {
			rbsp = append(rbsp, byte(b.Read(8)))
			rbsp = append(rbsp, byte(b.Read(8)))
			i += 2
			b.Read(8) // emulation_prevention_three_byte
		} else {
			rbsp = append(rbsp, byte(b.Read(8)))
		}
	}

	rb := NewBitop(rbsp)

	psps.sps_video_parameter_set_id = rb.Read(4)
	psps.sps_max_sub_layers_minus1 = rb.Read(3)
	psps.sps_temporal_id_nesting_flag = rb.Read(1)
	psps.profile_tier_level = HEVCParsePtl(rb, psps.sps_max_sub_layers_minus1)
	psps.sps_seq_parameter_set_id = rb.ReadGolomb()
	psps.chroma_format_idc = rb.ReadGolomb()
	if psps.chroma_format_idc == 3 {
		psps.separate_colour_plane_flag = rb.Read(1)
	}
	psps.pic_width_in_luma_samples = rb.ReadGolomb()
	psps.pic_height_in_luma_samples = rb.ReadGolomb()
	psps.conformance_window_flag = rb.Read(1)
	if psps.conformance_window_flag != 0 {
		var vertMult, horizMult uint32

		if psps.chroma_format_idc < 2 {
			vertMult = 2
		} else {
			vertMult = 1
		}
		if psps.chroma_format_idc < 3 {
			horizMult = 2
		} else {
			horizMult = 1
		}

		psps.conf_win_left_offset = rb.ReadGolomb() * horizMult
		psps.conf_win_right_offset = rb.ReadGolomb() * horizMult
		psps.conf_win_top_offset = rb.ReadGolomb() * vertMult
		psps.conf_win_bottom_offset = rb.ReadGolomb() * vertMult
	}

	return psps
}

type HEVCSpecificConfig struct {
	width   uint32
	height  uint32
	profile uint32
	level   float32
}

func (c HEVCSpecificConfig) Width() uint32  { return c.width }
func (c HEVCSpecificConfig) Height() uint32 { return c.height }

type hevcMetadata struct {
	configurationVersion uint32

	psps SPS

	general_profile_space               uint32
	general_tier_flag                   uint32
	general_profile_idc                 uint32
	general_profile_compatibility_flags uint32
	general_constraint_indicator_flags  uint32
	general_level_idc                   uint32
	min_spatial_segmentation_idc        uint32
	parallelismType                     uint32
	chromaFormat                        uint32
	bitDepthLumaMinus8                  uint32
	bitDepthChromaMinus8                uint32
	avgFrameRate                        uint32
	constantFrameRate                   uint32
	numTemporalLayers                   uint32
	temporalIdNested                    uint32
	lengthSizeMinusOne                  uint32
}

// ReadHEVCSpecificConfig parses an HEVCDecoderConfigurationRecord far
// enough to recover profile, level and resolution from its embedded SPS.
func ReadHEVCSpecificConfig(hevcSequenceHeader []byte) HEVCSpecificConfig {
	info := HEVCSpecificConfig{}

	if len(hevcSequenceHeader) < 5 {
		return info
	}
	hevcSequenceHeader = hevcSequenceHeader[5:]

	if len(hevcSequenceHeader) < 23 {
		return info
	}

	hevc := hevcMetadata{}

	hevc.configurationVersion = uint32(hevcSequenceHeader[0])
	if hevc.configurationVersion != 1 {
		return info
	}

	hevc.general_profile_space = (uint32(hevcSequenceHeader[1]) >> 6) & 0x03
	hevc.general_tier_flag = (uint32(hevcSequenceHeader[1]) >> 5) & 0x01
	hevc.general_profile_idc = uint32(hevcSequenceHeader[1]) & 0x1F
	hevc.general_profile_compatibility_flags = (uint32(hevcSequenceHeader[2]) << 24) | (uint32(hevcSequenceHeader[3]) << 16) | (uint32(hevcSequenceHeader[4]) << 8) | uint32(hevcSequenceHeader[5])
	hevc.general_constraint_indicator_flags = (uint32(hevcSequenceHeader[6]) << 24) | (uint32(hevcSequenceHeader[7]) << 16) | (uint32(hevcSequenceHeader[8]) << 8) | uint32(hevcSequenceHeader[9])
	hevc.general_constraint_indicator_flags = (hevc.general_constraint_indicator_flags << 16) | (uint32(hevcSequenceHeader[10]) << 8) | uint32(hevcSequenceHeader[11])
	hevc.general_level_idc = uint32(hevcSequenceHeader[12])
	hevc.min_spatial_segmentation_idc = ((uint32(hevcSequenceHeader[13]) & 0x0F) << 8) | uint32(hevcSequenceHeader[14])
	hevc.parallelismType = uint32(hevcSequenceHeader[15]) & 0x03
	hevc.chromaFormat = uint32(hevcSequenceHeader[16]) & 0x03
	hevc.bitDepthLumaMinus8 = uint32(hevcSequenceHeader[17]) & 0x07
	hevc.bitDepthChromaMinus8 = uint32(hevcSequenceHeader[18]) & 0x07
	hevc.avgFrameRate = (uint32(hevcSequenceHeader[19]) << 8) | uint32(hevcSequenceHeader[20])
	hevc.constantFrameRate = (uint32(hevcSequenceHeader[21]) >> 6) & 0x03
	hevc.numTemporalLayers = (uint32(hevcSequenceHeader[21]) >> 3) & 0x07
	hevc.temporalIdNested = (uint32(hevcSequenceHeader[21]) >> 2) & 0x01
	hevc.lengthSizeMinusOne = uint32(hevcSequenceHeader[21]) & 0x03

	numOfArrays := int(hevcSequenceHeader[22])
	p := hevcSequenceHeader[23:]
	for i := 0; i < numOfArrays; i++ {
		if len(p) < 3 {
			break
		}
		nalutype := p[0]
		n := (uint32(p[1]) << 8) | uint32(p[2])
		p = p[3:]
		for j := 0; j < int(n); j++ {
			if len(p) < 2 {
				break
			}
			k := (uint32(p[0]) << 8) | uint32(p[1])
			if len(p) < 2+int(k) {
				break
			}
			p = p[2:]
			if nalutype == 33 { // SPS
				sps := make([]byte, k)
				copy(sps, p[:k])
				hevc.psps = HEVCParseSPS(sps)
				info.profile = hevc.general_profile_idc
				info.level = float32(hevc.general_level_idc) / 30.0
				info.width = hevc.psps.pic_width_in_luma_samples - (hevc.psps.conf_win_left_offset + hevc.psps.conf_win_right_offset)
				info.height = hevc.psps.pic_height_in_luma_samples - (hevc.psps.conf_win_top_offset + hevc.psps.conf_win_bottom_offset)
			}
			p = p[k:]
		}
	}

	return info
}

/* Video config dispatch */

const (
	AVCCodecH264 = 7
	AVCCodecHEVC = 12
)

type AVCSpecificConfig struct {
	codec uint32
	h264  H264SpecificConfig
	hevc  HEVCSpecificConfig
}

func (c AVCSpecificConfig) Codec() uint32               { return c.codec }
func (c AVCSpecificConfig) H264() H264SpecificConfig     { return c.h264 }
func (c AVCSpecificConfig) HEVC() HEVCSpecificConfig     { return c.hevc }

// ReadAVCSpecificConfig dispatches to the H264 or HEVC sequence-header
// parser based on the codec id in the first byte.
func ReadAVCSpecificConfig(avcSequenceHeader []byte) AVCSpecificConfig {
	codecID := avcSequenceHeader[0] & 0x0f
	r := AVCSpecificConfig{codec: uint32(codecID)}

	switch codecID {
	case AVCCodecH264:
		r.h264 = ReadH264SpecificConfig(avcSequenceHeader)
	case AVCCodecHEVC:
		r.hevc = ReadHEVCSpecificConfig(avcSequenceHeader)
	}

	return r
}

func GetAVCProfileName(info AVCSpecificConfig) string {
	profileNames := func(p byte) string {
		switch p {
		case 1:
			return "Main"
		case 2:
			return "Main 10"
		case 3:
			return "Main Still Picture"
		case 66:
			return "Baseline"
		case 77:
			return "Main"
		case 100:
			return "High"
		default:
			return ""
		}
	}

	switch info.codec {
	case AVCCodecH264:
		return profileNames(info.h264.profile)
	case AVCCodecHEVC:
		return profileNames(byte(info.hevc.profile))
	default:
		return ""
	}
}
