package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff"

	"pacsd/pkg/cerrors"
	"pacsd/pkg/dicom"
	"pacsd/pkg/jobs"
	"pacsd/pkg/log"
	"pacsd/pkg/models"
	"pacsd/pkg/peers"
	"pacsd/pkg/scu"
)

// Type tags of the built-in jobs, as persisted in registry snapshots.
const (
	PeerStoreJobTag  = "PeerStoreJob"
	DicomStoreJobTag = "DicomStoreJob"
)

const transferTimeout = time.Minute

// logInstanceExport records one outgoing transfer in the exported feed.
// The UIDs are read back from the transferred bytes; a file that cannot
// be parsed is still logged, just without them.
func (s *Service) logInstanceExport(instance, destination string, data []byte) {
	exported := models.ExportedResource{
		ResourceType: models.ResourceInstance,
		PublicID:     instance,
		Modality:     destination,
		Date:         nowString(),
	}
	if summary, err := dicom.ParseSummary(data); err == nil {
		exported.PatientID = summary.PatientID
		exported.StudyUID = summary.StudyUID
		exported.SeriesUID = summary.SeriesUID
		exported.SOPInstanceUID = summary.SOPInstanceUID
	}
	if err := s.LogExported(exported); err != nil {
		log.Warn().Err(err).Str("instance", instance).Msg("Cannot log exported resource")
	}
}

// peerStoreProcessor pushes instances to a remote peer over HTTP.
type peerStoreProcessor struct {
	service *Service
	client  *peers.Client
	peer    peers.Peer
}

func (p *peerStoreProcessor) HandleInstance(jobID, instance string) error {
	data, err := p.service.ReadInstance(instance)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	if err := p.client.StoreInstance(ctx, p.peer, data); err != nil {
		return err
	}

	p.service.logInstanceExport(instance, p.peer.Name, data)
	return nil
}

func (p *peerStoreProcessor) HandleTrailingStep(jobID string) error {
	return nil
}

// PeerStoreJob sends a set of instances to one peer, one instance per
// step.
type PeerStoreJob struct {
	*jobs.SetOfInstancesJob
	peer peers.Peer
}

// NewPeerStoreJob builds the job over the given instances.
func NewPeerStoreJob(service *Service, client *peers.Client, peer peers.Peer, instances []string) (*PeerStoreJob, error) {
	inner := jobs.NewSetOfInstancesJob(
		&peerStoreProcessor{service: service, client: client, peer: peer}, false, false)
	for _, instance := range instances {
		if err := inner.AddInstance(instance); err != nil {
			return nil, err
		}
	}
	inner.SetDescription("Store to peer " + peer.Name)
	return &PeerStoreJob{SetOfInstancesJob: inner, peer: peer}, nil
}

// TypeTag names the job type.
func (j *PeerStoreJob) TypeTag() string {
	return PeerStoreJobTag
}

// persistedPeer duplicates Peer with the password included: registry
// snapshots live inside the index database, not in API payloads.
type persistedPeer struct {
	Name     string `json:"Name"`
	URL      string `json:"Url"`
	Username string `json:"Username"`
	Password string `json:"Password"`
	Insecure bool   `json:"Insecure"`
}

type peerStoreState struct {
	Peer  persistedPeer   `json:"Peer"`
	State json.RawMessage `json:"State"`
}

// Serialize persists the target peer along with the instance position.
func (j *PeerStoreJob) Serialize() (json.RawMessage, bool) {
	state, ok := j.SetOfInstancesJob.Serialize()
	if !ok {
		return nil, false
	}
	body, err := json.Marshal(peerStoreState{
		Peer: persistedPeer{
			Name:     j.peer.Name,
			URL:      j.peer.URL,
			Username: j.peer.Username,
			Password: j.peer.Password,
			Insecure: j.peer.Insecure,
		},
		State: state,
	})
	if err != nil {
		return nil, false
	}
	return body, true
}

// RestorePeerStoreJob rebuilds a persisted job with fresh handles.
func RestorePeerStoreJob(body json.RawMessage, service *Service, client *peers.Client) (*PeerStoreJob, error) {
	var state peerStoreState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeBadFileFormat, err)
	}

	peer := peers.Peer{
		Name:     state.Peer.Name,
		URL:      state.Peer.URL,
		Username: state.Peer.Username,
		Password: state.Peer.Password,
		Insecure: state.Peer.Insecure,
	}
	inner, err := jobs.RestoreSetOfInstancesJob(state.State,
		&peerStoreProcessor{service: service, client: client, peer: peer})
	if err != nil {
		return nil, err
	}
	return &PeerStoreJob{SetOfInstancesJob: inner, peer: peer}, nil
}

// PublicContent describes the job for the API.
func (j *PeerStoreJob) PublicContent() map[string]interface{} {
	content := j.SetOfInstancesJob.PublicContent()
	content["Peer"] = j.peer.Name
	return content
}

// dicomStoreProcessor pushes instances to a remote modality with C-STORE.
// Transient network failures are retried with exponential backoff before
// the step is reported failed.
type dicomStoreProcessor struct {
	service  *Service
	sender   scu.Sender
	localAET string
	remote   scu.RemoteModality
}

func (p *dicomStoreProcessor) HandleInstance(jobID, instance string) error {
	data, err := p.service.ReadInstance(instance)
	if err != nil {
		return err
	}

	send := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
		defer cancel()
		err := p.sender.Store(ctx, p.localAET, p.remote, data)
		if err != nil && cerrors.CodeOf(err) != cerrors.CodeNetworkProtocol {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(send, policy); err != nil {
		return err
	}

	p.service.logInstanceExport(instance, p.remote.AET, data)
	return nil
}

func (p *dicomStoreProcessor) HandleTrailingStep(jobID string) error {
	return nil
}

// DicomStoreJob sends a set of instances to one modality, one instance
// per step.
type DicomStoreJob struct {
	*jobs.SetOfInstancesJob
	localAET string
	remote   scu.RemoteModality
}

// NewDicomStoreJob builds the job over the given instances.
func NewDicomStoreJob(service *Service, sender scu.Sender, localAET string, remote scu.RemoteModality, instances []string) (*DicomStoreJob, error) {
	inner := jobs.NewSetOfInstancesJob(&dicomStoreProcessor{
		service:  service,
		sender:   sender,
		localAET: localAET,
		remote:   remote,
	}, false, false)
	for _, instance := range instances {
		if err := inner.AddInstance(instance); err != nil {
			return nil, err
		}
	}
	inner.SetDescription("Store to modality " + remote.AET)
	return &DicomStoreJob{SetOfInstancesJob: inner, localAET: localAET, remote: remote}, nil
}

// TypeTag names the job type.
func (j *DicomStoreJob) TypeTag() string {
	return DicomStoreJobTag
}

type dicomStoreState struct {
	LocalAET string             `json:"LocalAet"`
	Remote   scu.RemoteModality `json:"Remote"`
	State    json.RawMessage    `json:"State"`
}

// Serialize persists the modality along with the instance position.
func (j *DicomStoreJob) Serialize() (json.RawMessage, bool) {
	state, ok := j.SetOfInstancesJob.Serialize()
	if !ok {
		return nil, false
	}
	body, err := json.Marshal(dicomStoreState{
		LocalAET: j.localAET,
		Remote:   j.remote,
		State:    state,
	})
	if err != nil {
		return nil, false
	}
	return body, true
}

// RestoreDicomStoreJob rebuilds a persisted job with fresh handles.
func RestoreDicomStoreJob(body json.RawMessage, service *Service, sender scu.Sender) (*DicomStoreJob, error) {
	var state dicomStoreState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeBadFileFormat, err)
	}

	inner, err := jobs.RestoreSetOfInstancesJob(state.State, &dicomStoreProcessor{
		service:  service,
		sender:   sender,
		localAET: state.LocalAET,
		remote:   state.Remote,
	})
	if err != nil {
		return nil, err
	}
	return &DicomStoreJob{
		SetOfInstancesJob: inner,
		localAET:          state.LocalAET,
		remote:            state.Remote,
	}, nil
}

// PublicContent describes the job for the API.
func (j *DicomStoreJob) PublicContent() map[string]interface{} {
	content := j.SetOfInstancesJob.PublicContent()
	content["LocalAet"] = j.localAET
	content["RemoteAet"] = j.remote.AET
	return content
}

// RegisterBuiltinJobs installs the unserializers of the built-in job
// types so persisted registry snapshots can be reloaded. A nil sender
// leaves DICOM store jobs unregistered.
func RegisterBuiltinJobs(registry *jobs.Registry, service *Service, client *peers.Client, sender scu.Sender) {
	registry.RegisterUnserializer(PeerStoreJobTag, func(body json.RawMessage) (jobs.Job, error) {
		return RestorePeerStoreJob(body, service, client)
	})
	if sender != nil {
		registry.RegisterUnserializer(DicomStoreJobTag, func(body json.RawMessage) (jobs.Job, error) {
			return RestoreDicomStoreJob(body, service, sender)
		})
	}
}
