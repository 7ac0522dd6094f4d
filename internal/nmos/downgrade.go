package nmos

// resourceFields lists, per type, the top-level document fields grouped by
// the API version that introduced them. Downgraded responses keep only the
// fields known to the requested version.
var resourceFields = map[ResourceType]map[APIVersion][]string{
	TypeNode: {
		V1_0: {"id", "version", "label", "href", "hostname", "caps", "services"},
		V1_1: {"description", "tags", "api", "clocks"},
		V1_2: {"interfaces"},
	},
	TypeDevice: {
		V1_0: {"id", "version", "label", "type", "node_id", "senders", "receivers"},
		V1_1: {"description", "tags", "controls"},
	},
	TypeSource: {
		V1_0: {"id", "version", "label", "description", "format", "caps", "tags", "device_id", "parents"},
		V1_1: {"grain_rate", "clock_name", "channels"},
		V1_3: {"event_type"},
	},
	TypeFlow: {
		V1_0: {"id", "version", "label", "description", "format", "tags", "source_id", "parents"},
		V1_1: {
			"device_id", "media_type", "grain_rate", "sample_rate", "bit_depth",
			"DID_SDID", "frame_width", "frame_height", "interlace_mode",
			"colorspace", "components", "transfer_characteristic",
		},
		V1_3: {"event_type"},
	},
	TypeSender: {
		V1_0: {"id", "version", "label", "description", "flow_id", "transport", "tags", "device_id", "manifest_href"},
		V1_2: {"caps", "interface_bindings", "subscription"},
	},
	TypeReceiver: {
		V1_0: {"id", "version", "label", "description", "format", "caps", "tags", "device_id", "transport", "subscription"},
		V1_2: {"interface_bindings"},
	},
}

// PermittedDowngrade reports whether a resource registered at resourceVersion
// may appear in a request at the given version. Downgrade queries never
// cross major versions, and subscriptions and grains are never downgraded.
func PermittedDowngrade(t ResourceType, resourceVersion, version, downgrade APIVersion) bool {
	if resourceVersion.Major != version.Major {
		return false
	}
	if resourceVersion.Minor <= version.Minor {
		return true
	}
	if downgrade.IsZero() || downgrade.Major != version.Major {
		return false
	}
	if t == TypeSubscription || t == TypeGrain {
		return false
	}
	return true
}

// DowngradeData returns the resource document shaped for the target version.
// Documents already at or below the target are returned unchanged; higher
// versions are filtered to the fields the target knows about.
func DowngradeData(r Resource, target APIVersion) map[string]any {
	if r.Data == nil {
		return nil
	}
	if r.Version.Cmp(target) <= 0 {
		return r.Data
	}
	fields, ok := resourceFields[r.Type]
	if !ok {
		return r.Data
	}
	out := make(map[string]any, len(r.Data))
	for introduced, names := range fields {
		if introduced.Cmp(target) > 0 {
			continue
		}
		for _, name := range names {
			if v, ok := r.Data[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}
