package upstream

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/caresync/visits/pkg/visitmodel"
)

// Procura is the baseline scheduling system.
type Procura struct {
	client *resty.Client
}

// NewProcura creates a Procura client.
func NewProcura(cfg ClientConfig) *Procura {
	return &Procura{client: newRestClient(cfg)}
}

func (p *Procura) Name() string { return visitmodel.SystemProcura }

type procuraVisit struct {
	VisitID      string   `json:"visitId"`
	TenantID     string   `json:"tenantId"`
	CVID         string   `json:"cvid"`
	ClientID     string   `json:"clientId"`
	ClientPsID   string   `json:"clientPsId"`
	EmployeeIDs  []string `json:"employeeIds"`
	Start        string   `json:"startDateTime"`
	End          string   `json:"endDateTime"`
	CheckIn      string   `json:"checkInTime"`
	CheckOut     string   `json:"checkOutTime"`
	PlannerID    string   `json:"plannerId"`
	Status       string   `json:"status"`
	ADLChecklist []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Completed bool   `json:"completed"`
	} `json:"adlChecklist"`
}

func (v procuraVisit) toRecord() visitmodel.VisitRecord {
	rec := visitmodel.VisitRecord{
		VisitID:              v.VisitID,
		TenantID:             v.TenantID,
		SystemType:           visitmodel.SystemProcura,
		CVID:                 v.CVID,
		ClientID:             v.ClientID,
		ClientPsID:           v.ClientPsID,
		ScheduledEmployeeIDs: v.EmployeeIDs,
		StartDateTime:        mustTime(v.Start),
		EndDateTime:          mustTime(v.End),
		CheckInTime:          parseTime(v.CheckIn),
		CheckOutTime:         parseTime(v.CheckOut),
		PlannerID:            optString(v.PlannerID),
		Status:               v.Status,
	}
	for _, a := range v.ADLChecklist {
		rec.ADLChecklist = append(rec.ADLChecklist, visitmodel.Activity{ID: a.ID, Name: a.Name, Completed: a.Completed})
	}
	return rec
}

type procuraVisitList struct {
	Visits []procuraVisit `json:"visits"`
}

func (p *Procura) ListVisits(ctx context.Context, ident visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error) {
	var out procuraVisitList
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", ident.TenantID).
		SetPathParam("employeeId", ident.EmpSystemID).
		SetQueryParam("from", from.UTC().Format(time.RFC3339)).
		SetQueryParam("to", to.UTC().Format(time.RFC3339)).
		SetResult(&out).
		Get("/employees/{employeeId}/visits")
	if err := readError(p.Name(), "list visits", resp, err); err != nil {
		return nil, err
	}
	records := make([]visitmodel.VisitRecord, 0, len(out.Visits))
	for _, v := range out.Visits {
		rec := v.toRecord()
		if rec.TenantID == "" {
			rec.TenantID = ident.TenantID
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *Procura) GetVisit(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*visitmodel.VisitRecord, error) {
	var out procuraVisit
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", ref.TenantID).
		SetPathParam("visitId", ref.VisitID).
		SetResult(&out).
		Get("/visits/{visitId}")
	if err := readError(p.Name(), "get visit", resp, err); err != nil {
		return nil, err
	}
	rec := out.toRecord()
	if rec.TenantID == "" {
		rec.TenantID = ref.TenantID
	}
	return &rec, nil
}

type procuraClock struct {
	EmployeeID string            `json:"employeeId"`
	CVID       string            `json:"cvid"`
	Time       string            `json:"time"`
	Latitude   *float64          `json:"latitude,omitempty"`
	Longitude  *float64          `json:"longitude,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Activities []procuraActivity `json:"activities,omitempty"`
}

type procuraActivity struct {
	ID        string `json:"id"`
	Completed bool   `json:"completed"`
	Note      string `json:"note,omitempty"`
}

func clockBody(employeeID, cvid string, t time.Time, geo *visitmodel.Geo) procuraClock {
	body := procuraClock{EmployeeID: employeeID, CVID: cvid, Time: t.UTC().Format(time.RFC3339)}
	if geo != nil {
		body.Latitude, body.Longitude = &geo.Latitude, &geo.Longitude
	}
	return body
}

func (p *Procura) post(ctx context.Context, op, tenantID, visitID, path string, body interface{}) (visitmodel.WriteResult, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", tenantID).
		SetPathParam("visitId", visitID).
		SetBody(body).
		Post(path)
	return writeResult(p.Name(), op, resp, err)
}

func (p *Procura) CheckIn(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckInCommand) (visitmodel.WriteResult, error) {
	body := clockBody(ident.EmpSystemID, cmd.Ref.CVID, cmd.DeviceTime, cmd.Geo)
	body.Reason = cmd.LateReason
	return p.post(ctx, "check in", cmd.Ref.TenantID, cmd.Ref.VisitID, "/visits/{visitId}/checkin", body)
}

func (p *Procura) CheckOut(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckOutCommand) (visitmodel.WriteResult, error) {
	body := clockBody(ident.EmpSystemID, cmd.Ref.CVID, cmd.DeviceTime, cmd.Geo)
	for _, a := range cmd.Activities {
		body.Activities = append(body.Activities, procuraActivity{ID: a.ID, Completed: a.Completed, Note: a.Note})
	}
	return p.post(ctx, "check out", cmd.Ref.TenantID, cmd.Ref.VisitID, "/visits/{visitId}/checkout", body)
}

func (p *Procura) Reset(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.ResetCommand) (visitmodel.WriteResult, error) {
	body := procuraClock{EmployeeID: ident.EmpSystemID, CVID: cmd.Ref.CVID, Reason: cmd.Reason}
	return p.post(ctx, "reset", cmd.Ref.TenantID, cmd.Ref.VisitID, "/visits/{visitId}/reset", body)
}

type procuraNote struct {
	Kind       string `json:"type"`
	CVID       string `json:"cvid"`
	ClientID   string `json:"clientId,omitempty"`
	EmployeeID string `json:"employeeId,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
}

func (p *Procura) CreateNote(ctx context.Context, ident visitmodel.SystemIdentifier, note visitmodel.Note) error {
	body := procuraNote{
		Kind:       note.Kind,
		CVID:       note.CVID,
		ClientID:   note.ClientID,
		EmployeeID: ident.EmpSystemID,
		Subject:    note.Subject,
		Content:    note.Content,
		CreatedAt:  note.CreatedAt.UTC().Format(time.RFC3339),
	}
	_, err := p.post(ctx, "create note", note.TenantID, note.VisitID, "/visits/{visitId}/notes", body)
	return err
}

func (p *Procura) ListNotes(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) ([]visitmodel.Note, error) {
	var out struct {
		Notes []procuraNote `json:"notes"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", ref.TenantID).
		SetPathParam("visitId", ref.VisitID).
		SetResult(&out).
		Get("/visits/{visitId}/notes")
	if err := readError(p.Name(), "list notes", resp, err); err != nil {
		return nil, err
	}
	notes := make([]visitmodel.Note, 0, len(out.Notes))
	for _, n := range out.Notes {
		notes = append(notes, visitmodel.Note{
			Kind:       n.Kind,
			VisitID:    ref.VisitID,
			TenantID:   ref.TenantID,
			CVID:       n.CVID,
			ClientID:   n.ClientID,
			EmployeeID: n.EmployeeID,
			Subject:    n.Subject,
			Content:    n.Content,
			CreatedAt:  mustTime(n.CreatedAt),
		})
	}
	return notes, nil
}

var _ System = (*Procura)(nil)
