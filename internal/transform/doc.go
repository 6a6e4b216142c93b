// Package transform resolves discovery-sourced devices onto Home Assistant
// style topics and payloads.
//
// Two fragments configure each data point, and they may arrive in either
// order:
//
//   - the data point fragment, homeassistant/<component>/<deviceId>_<dp>/config,
//     carrying topic templates such as "~/1/command" and the "~" base;
//   - the component fragment, <discovery_root>/config/homeassistant/<component>,
//     carrying topic roles and a value table shared by every device of that
//     component.
//
// A data point moves UNCONFIGURED → PARTIAL → READY as fragments arrive.
// Once every declared data point is READY the Ready channel closes and the
// device's worker may open its sessions:
//
//	select {
//	case <-tr.Ready():
//	case <-stop:
//	    return
//	}
//	pub, ok := tr.ResolvePublishContent(1, transform.KindState, true)
//	// pub.Topic == "tuya/bf12ab/1/state", pub.Payload == "ON"
package transform
